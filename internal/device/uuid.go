package device

import (
	"strings"
)

const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal format (lowercase, no dashes).
// Strips a 0x prefix if present. Full 128-bit UUIDs in the Bluetooth SIG base
// (0000xxxx-0000-1000-8000-00805f9b34fb) are reduced to the 16-bit short form.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")
	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBaseSuffix) {
		return u[4:8]
	}
	return u
}

// NormalizeUUIDs normalizes a slice of UUID strings
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = NormalizeUUID(u)
	}
	return out
}

// SameUUID compares two UUIDs after normalization
func SameUUID(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}
