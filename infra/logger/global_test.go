package logger

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withGlobalBuffer(t *testing.T, level LogLevel) *bytes.Buffer {
	t.Helper()
	previous := GetGlobalLogger()
	l, buf := newTestLogger(level, nil)
	SetGlobalLogger(l)
	t.Cleanup(func() { SetGlobalLogger(previous) })
	return buf
}

func TestGetGlobalLogger(t *testing.T) {
	l := GetGlobalLogger()
	require.NotNil(t, l)
	assert.Same(t, l, GetGlobalLogger())
}

func TestGlobalLoggerConvenienceFunctions(t *testing.T) {
	buf := withGlobalBuffer(t, LevelDebug)

	Debug("debug message")
	Info("info message", LogContext{Provider: "wechatpay"})
	Warn("warn message")
	Error("error message", errors.New("test error"))
	Flush()

	out := buf.String()
	assert.Contains(t, out, "debug message")
	assert.Contains(t, out, "[provider=wechatpay] info message")
	assert.Contains(t, out, "warn message")
	assert.Contains(t, out, "error message - Error: test error")
}

func TestGlobalCallerComponent(t *testing.T) {
	sink := &memorySink{}
	l, _ := newTestLogger(LevelInfo, sink)
	previous := GetGlobalLogger()
	SetGlobalLogger(l)
	t.Cleanup(func() { SetGlobalLogger(previous) })

	Info("who called")
	Flush()

	entries := sink.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "TestGlobalCallerComponent", entries[0].Function)
	assert.Contains(t, entries[0].File, "global_test.go")
}

func TestWithRequest(t *testing.T) {
	buf := withGlobalBuffer(t, LevelInfo)

	WithRequest("wechatpay", "req-42").Info("webhook accepted")
	WithProvider("wechatpay").Warn("webhook rejected")

	out := buf.String()
	assert.Contains(t, out, "[provider=wechatpay req_id=req-42] webhook accepted")
	assert.Contains(t, out, "[provider=wechatpay] webhook rejected")
}
