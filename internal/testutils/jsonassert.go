package testutils

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/fatih/color"
	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// Presence matches any value, the key only has to exist
const Presence = "<<PRESENCE>>"

// TestingT is the part of testing.T the asserters report through
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
}

func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

type JSONAssertOptions struct {
	IgnoreExtraKeys          bool     `default:"true"`
	AllowPresencePlaceholder bool     `default:"true"`
	IgnoredFields            []string `default:""`
	// Numbers closer than this to the expected value compare equal
	Tolerance float64 `default:"0"`
}

// Option is a functional option for configuring JSONAsserter
type Option func(*JSONAssertOptions)

type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

// NewJSONAsserter creates a new JSONAsserter with default options
func NewJSONAsserter(t TestingT) *JSONAsserter {
	opts := JSONAssertOptions{}
	defaults.SetDefaults(&opts)
	return &JSONAsserter{
		t:       t,
		options: opts,
	}
}

// WithOptions applies functional options to the JSONAsserter
func (ja *JSONAsserter) WithOptions(opts ...Option) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

func (ja *JSONAsserter) GetOptions() JSONAssertOptions {
	return ja.options
}

// Assert compares actualJSON against expectedJSON and reports an ascii diff on mismatch
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) bool {
	ja.t.Helper()
	if diff := ja.diff([]byte(actualJSON), expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
		return false
	}
	return true
}

// AssertValue marshals v and compares it against expectedJSON
func (ja *JSONAsserter) AssertValue(v any, expectedJSON string) bool {
	ja.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		ja.t.Errorf("marshal %T: %v", v, err)
		return false
	}
	if diff := ja.diff(data, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
		return false
	}
	return true
}

func (ja *JSONAsserter) diff(actualJSON []byte, expectedJSON string) string {
	// Always unmarshal into fresh copies
	var expected, actual interface{}
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal(actualJSON, &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff only compares objects at the root
	_, expArr := expected.([]interface{})
	_, actArr := actual.([]interface{})
	if expArr || actArr {
		expected = map[string]interface{}{"array": expected}
		actual = map[string]interface{}{"array": actual}
	}

	if len(ja.options.IgnoredFields) > 0 {
		removeIgnoredFields(expected, ja.options.IgnoredFields)
		removeIgnoredFields(actual, ja.options.IgnoredFields)
	}
	// placeholders and tolerance rewrite expected in place, so they see the pruned shape
	if ja.options.IgnoreExtraKeys {
		pruneExtraKeys(actual, expected)
	}
	expected = ja.resolve(expected, actual)

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)

	diff, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !diff.Modified() {
		return ""
	}

	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
		Coloring:       !color.NoColor,
	})
	out, err := f.Format(diff)
	if err != nil {
		return fmt.Sprintf("JSON diff formatting failed: %v", err)
	}
	return out
}

// resolve replaces expected leaves that already match actual: presence placeholders
// and numbers within tolerance
func (ja *JSONAsserter) resolve(expected, actual interface{}) interface{} {
	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return expected
		}
		for k, v := range exp {
			if a, exists := act[k]; exists {
				exp[k] = ja.resolve(v, a)
			}
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return expected
		}
		for i := range exp {
			if i < len(act) {
				exp[i] = ja.resolve(exp[i], act[i])
			}
		}
	case string:
		if ja.options.AllowPresencePlaceholder && exp == Presence {
			return actual
		}
	case float64:
		if a, ok := actual.(float64); ok && math.Abs(a-exp) <= ja.options.Tolerance {
			return a
		}
	}
	return expected
}

// Remove keys in actual that don’t exist in expected
func pruneExtraKeys(actual, expected interface{}) {
	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return
		}
		for k := range act {
			if _, exists := exp[k]; !exists {
				delete(act, k)
			}
		}
		for k := range exp {
			pruneExtraKeys(act[k], exp[k])
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				pruneExtraKeys(act[i], exp[i])
			}
		}
	}
}

func removeIgnoredFields(data interface{}, ignoredFields []string) {
	switch v := data.(type) {
	case map[string]interface{}:
		for _, field := range ignoredFields {
			delete(v, field)
		}
		for _, child := range v {
			removeIgnoredFields(child, ignoredFields)
		}
	case []interface{}:
		for _, elem := range v {
			removeIgnoredFields(elem, ignoredFields)
		}
	}
}

// WithIgnoreExtraKeys sets whether to ignore extra keys in actual JSON
func WithIgnoreExtraKeys(ignore bool) Option {
	return func(opts *JSONAssertOptions) {
		opts.IgnoreExtraKeys = ignore
	}
}

// WithAllowPresencePlaceholder sets whether Presence matches any value
func WithAllowPresencePlaceholder(allow bool) Option {
	return func(opts *JSONAssertOptions) {
		opts.AllowPresencePlaceholder = allow
	}
}

// WithIgnoredFields sets a list of field names to ignore at any depth
func WithIgnoredFields(fields ...string) Option {
	return func(opts *JSONAssertOptions) {
		opts.IgnoredFields = fields
	}
}

func WithTolerance(tolerance float64) Option {
	return func(opts *JSONAssertOptions) {
		opts.Tolerance = tolerance
	}
}
