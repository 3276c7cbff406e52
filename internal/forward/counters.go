package forward

import "sync/atomic"

// Counters aggregates forwarding activity across sessions. A nil
// *Counters ignores updates.
type Counters struct {
	clients  atomic.Int64
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

// Clients returns the number of open client sockets.
func (c *Counters) Clients() int64 {
	if c == nil {
		return 0
	}
	return c.clients.Load()
}

// BytesIn returns bytes written from the peer to client sockets.
func (c *Counters) BytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// BytesOut returns bytes read from client sockets and sent to the peer.
func (c *Counters) BytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

func (c *Counters) clientOpened() {
	if c != nil {
		c.clients.Add(1)
	}
}

func (c *Counters) clientClosed() {
	if c != nil {
		c.clients.Add(-1)
	}
}

func (c *Counters) addIn(n int) {
	if c != nil && n > 0 {
		c.bytesIn.Add(int64(n))
	}
}

func (c *Counters) addOut(n int) {
	if c != nil && n > 0 {
		c.bytesOut.Add(int64(n))
	}
}
