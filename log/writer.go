package log

import (
	"io"
	"sync"
	"time"
)

// bufferedWriter coalesces small writes before handing them to the
// underlying writer, cutting per-line syscalls on the rotating file path.
// Lines larger than the buffer bypass it.
type bufferedWriter struct {
	mu   sync.Mutex
	out  io.Writer
	buf  []byte
	size int

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newBufferedWriter(out io.Writer, size int, flushEvery time.Duration) *bufferedWriter {
	if size <= 0 {
		size = 16 * 1024
	}
	w := &bufferedWriter{
		out:  out,
		buf:  make([]byte, 0, size),
		size: size,
		stop: make(chan struct{}),
	}
	if flushEvery > 0 {
		w.wg.Add(1)
		go w.flushLoop(flushEvery)
	}
	return w
}

func (w *bufferedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(p) >= w.size {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
		return w.out.Write(p)
	}
	if len(w.buf)+len(p) > w.size {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// Flush writes any buffered bytes through.
func (w *bufferedWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *bufferedWriter) flushLocked() error {
	if len(w.buf) == 0 {
		return nil
	}
	_, err := w.out.Write(w.buf)
	w.buf = w.buf[:0]
	return err
}

func (w *bufferedWriter) flushLoop(every time.Duration) {
	defer w.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = w.Flush()
		case <-w.stop:
			_ = w.Flush()
			return
		}
	}
}

// Close stops the flush loop and drains the buffer.
func (w *bufferedWriter) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
	return w.Flush()
}
