package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeArguments(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "valid object unchanged",
			input: `{"path": "main.go"}`,
			want:  `{"path": "main.go"}`,
		},
		{
			name:  "quoted object with trailing null",
			input: `"{\"command\": \"mvn -version\", \"timeout\": 10}"null`,
			want:  `{"command": "mvn -version", "timeout": 10}`,
		},
		{
			name:  "null prefix rescue",
			input: `null null {"a":1}`,
			want:  `{"a":1}`,
		},
		{
			name:  "unclosed braces",
			input: `{"a":1,"b":{"c":2`,
			want:  `{"a":1,"b":{"c":2}}`,
		},
		{
			name:  "quoted escaped json unwrapped",
			input: `"{\"a\": 1}"`,
			want:  `{"a": 1}`,
		},
		{
			name:  "plain string stays quoted",
			input: `"hello world"`,
			want:  `"hello world"`,
		},
		{
			name:  "raw newline in string escaped",
			input: "{\"text\": \"line one\nline two\"}",
			want:  `{"text": "line one\nline two"}`,
		},
		{
			name:  "bareword keys quoted",
			input: `{command: "ls", timeout: 5}`,
			want:  `{"command": "ls", "timeout": 5}`,
		},
		{
			name:  "unmatched closer dropped",
			input: `{"a":1}}`,
			want:  `{"a":1}`,
		},
		{
			name:  "illegal escape dropped",
			input: `{"path": "C:\qusers"}`,
			want:  `{"path": "C:qusers"}`,
		},
		{
			name:  "bare list wrapped",
			input: `1, 2, 3`,
			want:  `[1, 2, 3]`,
		},
		{
			name:  "whitespace only unchanged",
			input: "   ",
			want:  "   ",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeArguments(tt.input))
		})
	}
}

// The normalizer is a retraction: output is valid JSON or the unchanged
// input, and already-valid input passes through untouched.
func TestNormalizeArgumentsRetraction(t *testing.T) {
	inputs := []string{
		`{"a":1}`,
		`[1,2,3]`,
		`"text"`,
		`{"a":`,
		`total garbage %%%%`,
		`null null {"x": true}`,
		`{"nested": {"deep": [1, {"k": "v"`,
		``,
	}
	for _, in := range inputs {
		out := NormalizeArguments(in)
		if out == in {
			continue
		}
		var v any
		require.NoError(t, json.Unmarshal([]byte(out), &v),
			"changed output must be valid JSON: %q -> %q", in, out)
	}
}

func TestNormalizeArgumentsIdempotent(t *testing.T) {
	inputs := []string{
		`null {"a":1`,
		`{command: "ls"}`,
		`"{\"a\": 1}"`,
	}
	for _, in := range inputs {
		once := NormalizeArguments(in)
		assert.Equal(t, once, NormalizeArguments(once), "input %q", in)
	}
}

func TestNormalizeArgumentsGarbageUnchanged(t *testing.T) {
	in := `%%% not json at all`
	assert.Equal(t, in, NormalizeArguments(in))
}
