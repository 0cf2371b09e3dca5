package fakes

import "sync"

// Conn is a fake transport handle. It records every sent frame and can be
// configured to fail sends.
type Conn struct {
	mu        sync.Mutex
	sent      [][]byte
	sendErr   error
	closed    bool
	closeCode int
	reason    string
}

// NewConn returns a healthy fake connection.
func NewConn() *Conn { return &Conn{} }

// FailSends makes every subsequent Send return err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	c.sent = append(c.sent, frame)
	return nil
}

func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	c.reason = reason
	return nil
}

// Sent returns the recorded frames, oldest first.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// Closed reports whether Close was called, with the code and reason given.
func (c *Conn) Closed() (bool, int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode, c.reason
}
