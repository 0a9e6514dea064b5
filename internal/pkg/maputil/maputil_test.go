package maputil

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReaders(t *testing.T) {
	params := map[string]any{
		"exit_time": " 15:50 ",
		"max_delta": "65",
		"pct":       "12.5%",
		"num":       json.Number("0.3"),
		"bad":       "abc",
	}

	assert.Equal(t, "15:50", String(params, "exit_time"))
	assert.Equal(t, "", String(params, "missing"))
	assert.Equal(t, "", String(nil, "exit_time"))

	assert.Equal(t, 65.0, Float(params, "max_delta"))
	assert.Equal(t, 12.5, Float(params, "pct"))
	assert.Equal(t, 0.3, Float(params, "num"))
	assert.Equal(t, 0.0, Float(params, "bad"))

	assert.Equal(t, 7.0, FloatOr(params, "missing", 7))
	assert.Equal(t, 7.0, FloatOr(params, "bad", 7))
	assert.Equal(t, 65.0, FloatOr(params, "max_delta", 7))
}
