// Package repochan implements the three independent, TLV-framed TCP
// channels the fetch engine keeps open to the colocated repo: write,
// confirm, and local-check (spec SPEC_FULL.md §4.1). Each channel is a
// duplex stream of raw NDN packets with no length prefix of its own —
// the TLV length field is the only framing there is.
//
// The decode loop and the single in-flight write at a time are
// grounded on the original deployment's tcp_connection.cpp; the
// dedicated reader/writer goroutines handing decoded Data back to the
// engine's single-threaded loop via Engine.Post are this port's natural
// collapse of that callback-chain design (see SPEC_FULL.md §9,
// "Callback chains").
package repochan

import (
	"fmt"
	"io"
	"net"
	"sync"

	enc "github.com/named-data/ndnd/std/encoding"
	"github.com/named-data/ndnd/std/log"
	"github.com/named-data/ndnd/std/ndn"
	spec "github.com/named-data/ndnd/std/ndn/spec_2022"
)

// MaxPacketSize bounds the rolling decode buffer: the largest NDN
// packet the deployment will ever see on the wire.
const MaxPacketSize = 8800

// Channel is one of the three repo TCP channels. One writer goroutine
// and (across reconnects) one reader goroutine at a time run for its
// whole lifetime; Send is safe to call from any goroutine.
type Channel struct {
	name string // "write", "confirm", or "local-check"; for logging only
	addr string
	post func(func())

	onData func(ndn.Data)

	mu   sync.Mutex
	conn net.Conn

	writeCh chan []byte
	closeCh chan struct{}
}

// Dial opens a channel to addr and starts its reader and writer
// goroutines. A connect failure here is the "fatal at startup" case
// spec.md §4.1 describes — the caller (internal/process) is expected to
// abort the process if this returns an error.
func Dial(name, addr string, post func(func()), onData func(ndn.Data)) (*Channel, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("repochan[%s]: dial %s: %w", name, addr, err)
	}
	c := &Channel{
		name:    name,
		addr:    addr,
		post:    post,
		onData:  onData,
		conn:    conn,
		writeCh: make(chan []byte, 64),
		closeCh: make(chan struct{}),
	}
	go c.readLoop(conn)
	go c.writeLoop()
	return c, nil
}

// Send enqueues a frame for transmission. Writes are serialized by the
// single writer goroutine started in Dial — never two in flight, never
// reordered, matching spec.md §5's ordering guarantee (a).
func (c *Channel) Send(wire enc.Wire) {
	frame := wire.Join()
	select {
	case c.writeCh <- frame:
	case <-c.closeCh:
		log.Warn(c, "dropped write on closed channel", "channel", c.name)
	}
}

// Close shuts down the channel for good; it is not reopened.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn := c.conn
	closed := false
	select {
	case <-c.closeCh:
		closed = true
	default:
		close(c.closeCh)
	}
	c.mu.Unlock()

	if closed {
		return nil
	}
	return conn.Close()
}

func (c *Channel) String() string {
	return fmt.Sprintf("repochan[%s]", c.name)
}

func (c *Channel) getConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Channel) setConn(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// writeLoop drains writeCh strictly in order, one write at a time, for
// the whole lifetime of the channel (surviving reader-side reconnects).
func (c *Channel) writeLoop() {
	for {
		select {
		case frame := <-c.writeCh:
			if _, err := c.getConn().Write(frame); err != nil {
				log.Error(c, "write failed", "err", err)
			}
		case <-c.closeCh:
			return
		}
	}
}

// readLoop implements the rolling-buffer TLV decoder of spec.md §4.1:
// read into the tail of a fixed-capacity buffer, decode as many
// complete elements as are available starting at offset 0, shift
// consumed bytes out, and repeat. A read that leaves the buffer full
// with no complete element decoded is treated as a stall and the
// connection is closed and reopened; any other read error just closes
// and drops the channel, per spec.md §4.1's "Failure" paragraph.
func (c *Channel) readLoop(conn net.Conn) {
	buf := make([]byte, 0, MaxPacketSize)
	for {
		free := buf[len(buf):cap(buf)]
		if len(free) == 0 {
			// Stuck: buffer is full and decode below made no progress
			// last round. Reopen per spec.
			c.reopen(conn)
			return
		}

		n, err := conn.Read(free)
		if err != nil {
			if err != io.EOF {
				log.Error(c, "read failed, dropping channel", "err", err)
			}
			c.Close()
			return
		}
		buf = buf[:len(buf)+n]

		consumed := c.decodeAll(buf)
		if consumed == 0 && len(buf) == cap(buf) {
			c.reopen(conn)
			return
		}
		buf = append(buf[:0], buf[consumed:]...)
	}
}

// decodeAll decodes as many complete TLV elements as are present at the
// front of buf, dispatching Data elements to onData, and returns the
// number of bytes consumed.
func (c *Channel) decodeAll(buf []byte) int {
	offset := 0
	for offset < len(buf) {
		view := enc.NewBufferView(buf[offset:])
		data, _, err := spec.Spec{}.ReadData(view)
		if err != nil {
			// Incomplete element (io.ErrUnexpectedEOF) or, on the
			// repo channels, not a Data at all. Either way, stop: we
			// can't make progress until more bytes arrive.
			break
		}
		n := view.Pos()
		if n <= 0 {
			break
		}
		offset += n
		if data != nil && c.onData != nil {
			d := data
			c.post(func() { c.onData(d) })
		}
	}
	return offset
}

// reopen closes the stalled connection and dials a fresh one, per
// spec.md §4.1's stuck-buffer recovery path. oldConn, the stalled
// connection, is closed unconditionally before the new dial.
func (c *Channel) reopen(oldConn net.Conn) {
	log.Warn(c, "decode buffer stalled, reopening connection")
	oldConn.Close()

	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		log.Error(c, "failed to reopen connection", "err", err)
		c.Close()
		return
	}

	c.setConn(conn)
	go c.readLoop(conn)
}
