package log

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	klog "github.com/go-kratos/kratos/v2/log"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapterMapsLevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	logger := &zerologAdapter{logger: zl}

	helper := klog.NewHelper(logger)
	helper.Warnw("plugin", "search-ext", klog.DefaultMessageKey, "heartbeat missed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "heartbeat missed", line["message"])
	assert.Equal(t, "search-ext", line["plugin"])
}

func TestNewWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")
	logger, closeFn, err := New(Config{Level: "debug", FilePath: path, FlushInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	klog.NewHelper(logger).Info("started")
	require.NoError(t, closeFn())

	assert.FileExists(t, path)
}

func TestNewBadLevelFallsBack(t *testing.T) {
	_, closeFn, err := New(Config{Level: "noisy"})
	require.NoError(t, err)
	require.NoError(t, closeFn())
}

func TestBufferedWriterCoalesces(t *testing.T) {
	var sink writeCounter
	w := newBufferedWriter(&sink, 1024, 0)

	for i := 0; i < 10; i++ {
		_, err := w.Write([]byte("line\n"))
		require.NoError(t, err)
	}
	assert.Zero(t, sink.calls, "small writes must stay buffered")

	require.NoError(t, w.Flush())
	assert.Equal(t, 1, sink.calls)
	assert.Equal(t, 50, sink.bytes)
	require.NoError(t, w.Close())
}

func TestBufferedWriterLargeWriteBypasses(t *testing.T) {
	var sink writeCounter
	w := newBufferedWriter(&sink, 8, 0)
	defer func() { _ = w.Close() }()

	_, err := w.Write([]byte("this line exceeds the buffer"))
	require.NoError(t, err)
	assert.Equal(t, 1, sink.calls)
}

type writeCounter struct {
	calls int
	bytes int
}

func (w *writeCounter) Write(p []byte) (int, error) {
	w.calls++
	w.bytes += len(p)
	return len(p), nil
}
