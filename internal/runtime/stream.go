package runtime

import (
	"io"
	"sync"
)

// Wraps r so that the returned channel is closed on its first EOF. A nil r
// yields nil for both.
func watchEOF(r io.Reader) (io.Reader, <-chan struct{}) {
	if r == nil {
		return nil, nil
	}
	er := &eofReader{r: r, eof: make(chan struct{})}
	return er, er.eof
}

type eofReader struct {
	r    io.Reader
	once sync.Once
	eof  chan struct{}
}

func (e *eofReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.EOF {
		e.once.Do(func() { close(e.eof) })
	}
	return n, err
}

// Keeps the last limit bytes written to it.
//
// Safe for concurrent use; the shim copies the stream from its own goroutine.
type tailBuffer struct {
	limit int
	mu    sync.Mutex
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	if n >= t.limit {
		t.buf = append(t.buf[:0], p[n-t.limit:]...)
		return n, nil
	}
	if over := len(t.buf) + n - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
