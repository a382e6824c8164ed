package executor

import (
	"bytes"
	"sync"
)

// cappedBuffer keeps at most limit bytes and fires onExceed once when more arrive.
// Writes never fail so the producer keeps draining until it is killed.
type cappedBuffer struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	limit    int64
	exceeded bool
	onExceed func()
}

func newCappedBuffer(limit int64, onExceed func()) *cappedBuffer {
	if limit <= 0 {
		limit = DefaultOutputLimitBytes
	}
	return &cappedBuffer{limit: limit, onExceed: onExceed}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	remaining := c.limit - int64(c.buf.Len())
	if int64(len(p)) <= remaining {
		c.buf.Write(p)
		c.mu.Unlock()
		return len(p), nil
	}
	if remaining > 0 {
		c.buf.Write(p[:remaining])
	}
	first := !c.exceeded
	c.exceeded = true
	c.mu.Unlock()
	if first && c.onExceed != nil {
		c.onExceed()
	}
	return len(p), nil
}

func (c *cappedBuffer) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out
}

func (c *cappedBuffer) Exceeded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exceeded
}
