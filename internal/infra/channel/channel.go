// Package channel implements the duplex, ordered, message-oriented transport
// between a controller and exactly one worker.
//
// Architecture:
//
//	controller                          worker
//	  Channel ── socketpair / pipes ──► Channel
//	  Send*(v)   one frame per value      Recv*()
//	  Recv*()  ◄───────────────────────   Send*(v)
//
// A single reader goroutine per Channel decodes frames in order. When the
// peer's endpoint goes away the Channel enters the Closed state and every
// pending or later Recv fails with domain.ErrChannelClosed.
package channel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/devmesh/devmesh/internal/domain"
)

// queueDepth is how many decoded frames may wait before the reader stalls.
const queueDepth = 64

// Channel is one side of a duplex connection.
type Channel struct {
	conn io.ReadWriteCloser

	sendMu sync.Mutex

	recvMu  sync.Mutex
	pending *Frame

	frames  chan Frame
	done    chan struct{}
	readErr error

	closing   chan struct{}
	closeOnce sync.Once
}

// New wraps conn and starts the reader goroutine. The Channel owns conn.
func New(conn io.ReadWriteCloser) *Channel {
	c := &Channel{
		conn:    conn,
		frames:  make(chan Frame, queueDepth),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Pipe returns two connected in-process Channels.
func Pipe() (*Channel, *Channel) {
	a, b := net.Pipe()
	return New(a), New(b)
}

func (c *Channel) readLoop() {
	defer close(c.done)
	defer close(c.frames)

	r := bufio.NewReaderSize(c.conn, 64*1024)
	for {
		f, err := readFrame(r)
		if err != nil {
			c.readErr = closedError(err)
			// A garbled stream cannot be resynchronised.
			if errors.Is(err, domain.ErrProtocol) {
				c.Close()
			}
			return
		}
		select {
		case c.frames <- f:
		case <-c.closing:
			c.readErr = domain.ErrChannelClosed
			return
		}
	}
}

func closedError(err error) error {
	if errors.Is(err, domain.ErrProtocol) {
		return err
	}
	if errors.Is(err, io.EOF) {
		return domain.ErrChannelClosed
	}
	return fmt.Errorf("%w: %v", domain.ErrChannelClosed, err)
}

// ─── Sending ────────────────────────────────────────────────────────────────

// Send writes one frame. Frames from concurrent senders never interleave.
func (c *Channel) Send(f Frame) error {
	buf, err := encodeFrame(f)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrChannelClosed, err)
	}
	return nil
}

func (c *Channel) SendString(s string) error { return c.Send(Frame{Kind: KindString, Str: s}) }
func (c *Channel) SendInt(v int64) error     { return c.Send(Frame{Kind: KindInt, Int: v}) }
func (c *Channel) SendFloat(v float64) error { return c.Send(Frame{Kind: KindFloat, Float: v}) }
func (c *Channel) SendBytes(b []byte) error  { return c.Send(Frame{Kind: KindBytes, Bytes: b}) }
func (c *Channel) SendNil() error            { return c.Send(Frame{Kind: KindNil}) }

// SendStrings sends a list of strings as one frame.
func (c *Channel) SendStrings(s []string) error {
	return c.Send(Frame{Kind: KindStrings, Strings: s})
}

// SendOptionalStrings sends nil as a Nil frame, anything else as Strings.
func (c *Channel) SendOptionalStrings(s []string) error {
	if s == nil {
		return c.SendNil()
	}
	return c.SendStrings(s)
}

// SendTensor sends a shaped float32 buffer as one frame.
func (c *Channel) SendTensor(t domain.Tensor) error {
	return c.Send(Frame{Kind: KindTensor, Tensor: t})
}

// ─── Receiving ──────────────────────────────────────────────────────────────

// Recv blocks until one frame is available or the peer has closed.
func (c *Channel) Recv() (Frame, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if c.pending != nil {
		f := *c.pending
		c.pending = nil
		return f, nil
	}
	f, ok := <-c.frames
	if !ok {
		return Frame{}, c.readErr
	}
	return f, nil
}

// Poll reports whether a frame can be received within timeout, without
// consuming it. Once the peer has closed and nothing is buffered, Poll
// returns the Closed error.
func (c *Channel) Poll(timeout time.Duration) (bool, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if c.pending != nil {
		return true, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f, ok := <-c.frames:
		if !ok {
			return false, c.readErr
		}
		c.pending = &f
		return true, nil
	case <-timer.C:
		return false, nil
	}
}

func (c *Channel) recvKind(want Kind) (Frame, error) {
	f, err := c.Recv()
	if err != nil {
		return Frame{}, err
	}
	if f.Kind != want {
		return Frame{}, fmt.Errorf("%w: got %s frame, want %s", domain.ErrProtocol, f.Kind, want)
	}
	return f, nil
}

// RecvString receives a string frame.
func (c *Channel) RecvString() (string, error) {
	f, err := c.recvKind(KindString)
	return f.Str, err
}

// RecvInt receives an integer frame.
func (c *Channel) RecvInt() (int64, error) {
	f, err := c.recvKind(KindInt)
	return f.Int, err
}

// RecvFloat receives a float frame.
func (c *Channel) RecvFloat() (float64, error) {
	f, err := c.recvKind(KindFloat)
	return f.Float, err
}

// RecvBytes receives an opaque buffer.
func (c *Channel) RecvBytes() ([]byte, error) {
	f, err := c.recvKind(KindBytes)
	return f.Bytes, err
}

// RecvStrings receives a string list.
func (c *Channel) RecvStrings() ([]string, error) {
	f, err := c.recvKind(KindStrings)
	return f.Strings, err
}

// RecvOptionalStrings receives a string list or a Nil frame (→ nil).
func (c *Channel) RecvOptionalStrings() ([]string, error) {
	f, err := c.Recv()
	if err != nil {
		return nil, err
	}
	switch f.Kind {
	case KindNil:
		return nil, nil
	case KindStrings:
		if f.Strings == nil {
			return []string{}, nil
		}
		return f.Strings, nil
	default:
		return nil, fmt.Errorf("%w: got %s frame, want strings or nil", domain.ErrProtocol, f.Kind)
	}
}

// RecvTensor receives a tensor frame.
func (c *Channel) RecvTensor() (domain.Tensor, error) {
	f, err := c.recvKind(KindTensor)
	return f.Tensor, err
}

// Expect receives a string frame and checks it equals tag.
func (c *Channel) Expect(tag string) error {
	s, err := c.RecvString()
	if err != nil {
		return err
	}
	if s != tag {
		return fmt.Errorf("%w: got %q, want %q", domain.ErrProtocol, s, tag)
	}
	return nil
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Close closes our endpoint. The peer observes end-of-stream.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.conn.Close()
	})
	return err
}

// Closed reports whether the reader has seen end-of-stream. Frames received
// before that may still be buffered.
func (c *Channel) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed once the reader goroutine has exited.
func (c *Channel) Done() <-chan struct{} { return c.done }
