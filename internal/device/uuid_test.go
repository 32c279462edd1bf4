package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "16-bit UUID",
			input:    "2902",
			expected: "2902",
		},
		{
			name:     "16-bit UUID with 0X prefix uppercase",
			input:    "0X2902",
			expected: "2902",
		},
		{
			name:     "Full Bluetooth SIG UUID uppercase",
			input:    "00002902-0000-1000-8000-00805F9B34FB",
			expected: "2902",
		},
		{
			name:     "Full Bluetooth SIG UUID without dashes",
			input:    "0000290200001000800000805f9b34fb",
			expected: "2902",
		},
		{
			name:     "sensor service UUID keeps all 128 bits",
			input:    ServiceUUID,
			expected: "4fafc2011fb5459e8fccc5c9c331914b",
		},
		{
			name:     "custom UUID uppercase with whitespace",
			input:    "  BEB5483E-36E1-4688-B7F5-EA07361B26A8 ",
			expected: "beb5483e36e14688b7f5ea07361b26a8",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestSameUUID(t *testing.T) {
	assert.True(t, SameUUID(StatusCharUUID, "0C75A186-5972-4187-8F73-3AD9F8AFC8D9"))
	assert.True(t, SameUUID(CCCDUUID, "2902"))
	assert.False(t, SameUUID(ServiceUUID, CredentialsCharUUID))
}

func TestNormalizeUUIDs(t *testing.T) {
	got := NormalizeUUIDs([]string{"0x180D", CCCDUUID})
	assert.Equal(t, []string{"180d", "2902"}, got)
}
