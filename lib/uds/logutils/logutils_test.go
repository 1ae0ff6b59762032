package logutils

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestFormatterIncludesComponentAndMessage(t *testing.T) {
	t.Parallel()

	f := &Formatter{DisableTimestamp: true}
	e := &logrus.Entry{
		Time:    time.Time{},
		Level:   logrus.InfoLevel,
		Message: "tunnel opened",
		Data:    logrus.Fields{"component": "uds:forward", "local_addr": "127.0.0.1:9000"},
	}

	out, err := f.Format(e)
	require.NoError(t, err)

	line := string(out)
	require.Contains(t, line, "INFO")
	require.Contains(t, line, "[uds:forward]")
	require.Contains(t, line, "tunnel opened")
	require.Contains(t, line, "local_addr:127.0.0.1:9000")
}

func TestFormatterRendersErrorValues(t *testing.T) {
	t.Parallel()

	f := &Formatter{DisableTimestamp: true}
	e := &logrus.Entry{
		Level:   logrus.ErrorLevel,
		Message: "relay failed",
		Data:    logrus.Fields{"error": errors.New("connection reset")},
	}

	out, err := f.Format(e)
	require.NoError(t, err)
	require.Contains(t, string(out), "error:connection reset")
}

func TestLevelTagCoversAllLevels(t *testing.T) {
	t.Parallel()

	for _, lvl := range []logrus.Level{
		logrus.TraceLevel, logrus.DebugLevel, logrus.InfoLevel,
		logrus.WarnLevel, logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel,
	} {
		tag := levelTag(lvl)
		require.False(t, strings.Contains(tag, "?"), "level %v got unknown tag", lvl)
	}
}

func TestInitSetsDebugLevel(t *testing.T) {
	Init(true)
	require.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	Init(false)
	require.Equal(t, logrus.InfoLevel, logrus.GetLevel())
}

func TestTailBufferRetainsRecentWrites(t *testing.T) {
	t.Parallel()

	tb := NewTailBuffer()
	_, err := tb.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = tb.Write([]byte("world"))
	require.NoError(t, err)

	require.Equal(t, "hello world", tb.String())
}

func TestTailBufferCapsAtCapacity(t *testing.T) {
	t.Parallel()

	tb := NewTailBuffer()
	chunk := strings.Repeat("a", tailCapacity/2)

	_, err := tb.Write([]byte(chunk))
	require.NoError(t, err)
	_, err = tb.Write([]byte(chunk))
	require.NoError(t, err)
	_, err = tb.Write([]byte("tail-marker"))
	require.NoError(t, err)

	out := tb.String()
	require.LessOrEqual(t, len(out), tailCapacity)
	require.Contains(t, out, "tail-marker")
}
