package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Format(t *testing.T) {
	err := New(CodeModelInvalid, "pair needs two activities").
		WithContext("kind", "always_before").
		WithContext("index", 2)
	assert.Equal(t, "[E101] pair needs two activities (index=2, kind=always_before)", err.Error())

	wrapped := Wrap(fmt.Errorf("no such file"), CodeModelNotFound, "skeleton model not found")
	assert.Equal(t, "[E102] skeleton model not found: no such file", wrapped.Error())
	assert.NotEmpty(t, wrapped.FormatStack())
}

func TestWrap_Nil(t *testing.T) {
	assert.Nil(t, Wrap(nil, CodeUnknown, "x"))
	assert.Nil(t, Wrapf(nil, CodeUnknown, "x %d", 1))
}

func TestIsCode_ThroughWrapping(t *testing.T) {
	err := fmt.Errorf("loading: %w", ModelNotFound("/tmp/m.yaml"))
	assert.True(t, IsCode(err, CodeModelNotFound))
	assert.False(t, IsCode(err, CodeModelInvalid))
	assert.Equal(t, CodeModelNotFound, GetCode(err))
	assert.Equal(t, CodeUnknown, GetCode(fmt.Errorf("plain")))

	assert.True(t, stderrors.Is(err, New(CodeModelNotFound, "")), "Is matches on code")
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		code Code
		want bool
	}{
		{CodeUnavailable, true},
		{CodeTimeout, true},
		{CodeReportBackend, true},
		{CodeReportNotFound, false},
		{CodeConfigInvalid, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(New(tt.code, "x")))
		})
	}
}

func TestEventDecode(t *testing.T) {
	err := EventDecode("events.jsonl", 7, fmt.Errorf("unexpected EOF"))
	assert.True(t, IsCode(err, CodeEventDecode))
	assert.Equal(t, int64(7), err.Context["line"])
	assert.Contains(t, err.Error(), "unexpected EOF")
}

func TestMultiError(t *testing.T) {
	var m MultiError
	m.Add(nil)
	assert.False(t, m.HasErrors())
	assert.NoError(t, m.Combined())

	first := New(CodeReportWrite, "write failed")
	m.Add(first)
	assert.Same(t, first, m.Combined(), "a single error is returned unwrapped")

	m.Add(New(CodeReportBackend, "backend down"))
	combined := m.Combined()
	require.Error(t, combined)
	assert.Contains(t, combined.Error(), "write failed")
	assert.Contains(t, combined.Error(), "backend down")
}
