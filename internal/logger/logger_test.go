package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, zerolog.DebugLevel).With("component", "router")
	l.Info("处理完成", "url", "https://x.test/a.css", "status", 200)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "处理完成", line["message"])
	assert.Equal(t, "router", line["component"])
	assert.Equal(t, "https://x.test/a.css", line["url"])
	assert.EqualValues(t, 200, line["status"])
}

func TestErrIncludesError(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, zerolog.DebugLevel)
	l.Err(errors.New("boom"), "创建会话失败")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "error", line["level"])
	assert.Equal(t, "boom", line["error"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, zerolog.WarnLevel)
	l.Debug("ignored")
	l.Info("ignored")
	assert.Zero(t, buf.Len())
	l.Warn("kept")
	assert.NotZero(t, buf.Len())
}

func TestNewRejectsUnknownWriter(t *testing.T) {
	_, err := New(Options{Writer: []string{"syslog"}})
	require.Error(t, err)

	_, err = New(Options{Level: "loud"})
	require.Error(t, err)
}

func TestPrintfAdapter(t *testing.T) {
	var buf bytes.Buffer
	p := Printf{L: NewWithWriter(&buf, zerolog.DebugLevel)}
	p.Warnf("retry %d", 2)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "retry 2", line["message"])
}
