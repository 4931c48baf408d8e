package process

import "sync"

// tailBuffer keeps the last size bytes written to it.
type tailBuffer struct {
	mu   sync.Mutex
	b    []byte
	size int
}

func newTailBuffer(size int) *tailBuffer {
	return &tailBuffer{b: make([]byte, 0, size), size: size}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(p) >= t.size {
		t.b = append(t.b[:0], p[len(p)-t.size:]...)
		return len(p), nil
	}
	if over := len(t.b) + len(p) - t.size; over > 0 {
		t.b = append(t.b[:0], t.b[over:]...)
	}
	t.b = append(t.b, p...)
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.b)
}
