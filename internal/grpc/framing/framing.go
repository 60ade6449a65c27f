// Package framing carries encoded envelopes over a gRPC bidirectional
// stream. The service is described by hand: every stream message is one
// opaque frame, so no generated protobuf code is involved.
package framing

import (
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	ServiceName = "loadmesh.v1.WorkerService"
	MethodName  = "Connect"
	FullMethod  = "/" + ServiceName + "/" + MethodName

	// CodecName is the content-subtype under which frames travel.
	CodecName = "loadmesh-frame"

	// MetadataCodec names the envelope codec inside the frames.
	MetadataCodec = "loadmesh-codec"
)

// StreamDesc describes the Connect stream for clients.
var StreamDesc = grpc.StreamDesc{
	StreamName:    MethodName,
	ServerStreams: true,
	ClientStreams: true,
}

func init() {
	encoding.RegisterCodec(frameCodec{})
}

// Frame is one stream message.
type Frame struct {
	Data []byte
}

type frameCodec struct{}

func (frameCodec) Name() string { return CodecName }

func (frameCodec) Marshal(v any) ([]byte, error) {
	switch f := v.(type) {
	case *Frame:
		return f.Data, nil
	case Frame:
		return f.Data, nil
	default:
		return nil, fmt.Errorf("framing: cannot marshal %T", v)
	}
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("framing: cannot unmarshal into %T", v)
	}
	f.Data = append(f.Data[:0], data...)
	return nil
}

// Stream is the subset of grpc.ServerStream and grpc.ClientStream the
// framer needs.
type Stream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

type received struct {
	data []byte
	err  error
}

// Framer adapts a stream to transport.Framer. Reads are pumped by a
// goroutine so Close can unblock a pending ReadFrame even on the server
// side, where the stream itself cannot be cancelled.
type Framer struct {
	stream Stream
	remote string
	onClose func() error

	in        chan received
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	wmu       sync.Mutex
}

// NewFramer starts pumping frames from stream. onClose runs once when the
// framer is closed.
func NewFramer(stream Stream, remote string, onClose func() error) *Framer {
	f := &Framer{
		stream:  stream,
		remote:  remote,
		onClose: onClose,
		in:      make(chan received),
		done:    make(chan struct{}),
	}
	go f.pump()
	return f
}

func (f *Framer) pump() {
	for {
		var fr Frame
		err := f.stream.RecvMsg(&fr)
		select {
		case f.in <- received{data: fr.Data, err: err}:
		case <-f.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (f *Framer) ReadFrame() ([]byte, error) {
	select {
	case r := <-f.in:
		return r.data, r.err
	case <-f.done:
		return nil, errFramerClosed
	}
}

func (f *Framer) WriteFrame(p []byte) error {
	select {
	case <-f.done:
		return errFramerClosed
	default:
	}
	f.wmu.Lock()
	defer f.wmu.Unlock()
	return f.stream.SendMsg(&Frame{Data: p})
}

func (f *Framer) Close() error {
	f.closeOnce.Do(func() {
		close(f.done)
		if f.onClose != nil {
			f.closeErr = f.onClose()
		}
	})
	return f.closeErr
}

// Done is closed by Close.
func (f *Framer) Done() <-chan struct{} { return f.done }

func (f *Framer) RemoteAddr() string { return f.remote }

var errFramerClosed = fmt.Errorf("framing: closed")
