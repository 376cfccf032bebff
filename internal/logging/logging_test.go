package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/go-kit/kit/log/level"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", "json", &buf)

	level.Info(logger).Log("msg", "hidden")
	level.Warn(logger).Log("msg", "shown")

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "warn", rec["level"])
	assert.Contains(t, rec, "ts")
}

func TestNew_Logfmt(t *testing.T) {
	var buf bytes.Buffer
	logger := New("debug", "logfmt", &buf)
	level.Debug(logger).Log("msg", "hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestTraffic(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a1 NOOP", "a1 NOOP"},
		{"* 1 FETCH (BODY[] {5}\r\nhello)", "* 1 FETCH (BODY[] {5} [5 bytes omitted])"},
		{"a2 LOGIN {4+}\r\nuser {6+}\r\nsecret", "a2 LOGIN {4+} [4 bytes omitted] {6+} [6 bytes omitted]"},
		{"a3 FETCH {bad}", "a3 FETCH {bad}"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Traffic(tt.in))
	}
}
