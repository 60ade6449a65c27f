package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Conn is a duplex envelope connection. Send is safe for concurrent use
// and writes each envelope atomically; Receive must be called from a single
// goroutine and blocks until a full envelope arrives or the peer goes away.
//
// Receive returns ErrConnectionLost (wrapped) once the stream ends and a
// *ProtocolError for an envelope that could not be decoded; after a
// ProtocolError the connection remains usable.
type Conn interface {
	Send(env Envelope) error
	Receive() (Envelope, error)
	Close() error
	RemoteAddr() string
}

// Framer moves discrete frames over an underlying stream.
type Framer interface {
	ReadFrame() ([]byte, error)
	WriteFrame(p []byte) error
	Close() error
	RemoteAddr() string
}

// NewConn layers codec over f.
func NewConn(f Framer, codec Codec) Conn {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &frameConn{f: f, codec: codec}
}

type frameConn struct {
	f     Framer
	codec Codec
	wmu   sync.Mutex
}

func (c *frameConn) Send(env Envelope) error {
	data, err := c.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Function, err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.f.WriteFrame(data); err != nil {
		return connectionLost(err)
	}
	return nil
}

func (c *frameConn) Receive() (Envelope, error) {
	data, err := c.f.ReadFrame()
	if err != nil {
		return Envelope{}, connectionLost(err)
	}
	env, err := c.codec.Decode(data)
	if err != nil {
		return Envelope{}, &ProtocolError{Code: CodeBadRequest, Message: "malformed envelope: " + err.Error()}
	}
	if env.Function == "" {
		return Envelope{}, &ProtocolError{Code: CodeBadRequest, Message: "malformed envelope: empty function name"}
	}
	return env, nil
}

func (c *frameConn) Close() error      { return c.f.Close() }
func (c *frameConn) RemoteAddr() string { return c.f.RemoteAddr() }

// Pipe returns two connected in-memory Conns using codec.
func Pipe(codec Codec) (Conn, Conn) {
	a, b := PipeFramers()
	return NewConn(a, codec), NewConn(b, codec)
}

// PipeFramers returns two connected in-memory framers. Closing either end
// ends the stream for both; frames already buffered are still delivered.
func PipeFramers() (Framer, Framer) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeEnd{in: ba, out: ab, done: done, once: once, name: "pipe-a"}
	b := &pipeEnd{in: ab, out: ba, done: done, once: once, name: "pipe-b"}
	return a, b
}

var errPipeClosed = errors.New("pipe closed")

type pipeEnd struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
	name string
}

func (p *pipeEnd) ReadFrame() ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	case <-p.done:
		select {
		case b := <-p.in:
			return b, nil
		default:
		}
		return nil, io.EOF
	}
}

func (p *pipeEnd) WriteFrame(b []byte) error {
	select {
	case <-p.done:
		return errPipeClosed
	default:
	}
	cp := append([]byte(nil), b...)
	select {
	case p.out <- cp:
		return nil
	case <-p.done:
		return errPipeClosed
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *pipeEnd) RemoteAddr() string { return p.name }
