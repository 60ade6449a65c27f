package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// QueryCodec is the URL query parameter carrying the negotiated codec.
const QueryCodec = "codec"

// AcceptWebSocket upgrades an HTTP request to a WebSocket connection. The
// codec is taken from the ?codec= query parameter (JSON by default).
func AcceptWebSocket(w http.ResponseWriter, r *http.Request) (Conn, error) {
	codec := GetCodec(r.URL.Query().Get(QueryCodec))
	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	var reader io.Reader = conn
	if rw != nil && rw.Reader != nil {
		reader = rw.Reader
	}
	return NewConn(newWSFramer(conn, reader, ws.StateServerSide, codec), codec), nil
}

// DialWebSocket connects to a manager endpoint such as
// ws://host:17000/api/v1/connect.
func DialWebSocket(ctx context.Context, rawURL string, codec Codec) (Conn, error) {
	if codec == nil {
		codec = JSONCodec{}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse manager url: %w", err)
	}
	q := u.Query()
	q.Set(QueryCodec, codec.Name())
	u.RawQuery = q.Encode()

	conn, br, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", u.Redacted(), err)
	}
	var reader io.Reader = conn
	if br != nil {
		reader = br
	}
	return NewConn(newWSFramer(conn, reader, ws.StateClientSide, codec), codec), nil
}

type wsFramer struct {
	conn  net.Conn
	rw    io.ReadWriter
	state ws.State
	op    ws.OpCode

	wmu       sync.Mutex
	closeOnce sync.Once
}

func newWSFramer(conn net.Conn, reader io.Reader, state ws.State, codec Codec) *wsFramer {
	f := &wsFramer{conn: conn, state: state, op: ws.OpText}
	if codec.Name() == CodecNameMsgpack {
		f.op = ws.OpBinary
	}
	// Control frame replies written by the reader share the write lock.
	f.rw = struct {
		io.Reader
		io.Writer
	}{reader, lockedWriter{w: conn, mu: &f.wmu}}
	return f
}

func (f *wsFramer) ReadFrame() ([]byte, error) {
	data, _, err := wsutil.ReadData(f.rw, f.state)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (f *wsFramer) WriteFrame(p []byte) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	return wsutil.WriteMessage(f.conn, f.state, f.op, p)
}

func (f *wsFramer) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.wmu.Lock()
		//nolint:errcheck // best-effort close frame before tearing down the socket
		wsutil.WriteMessage(f.conn, f.state, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		f.wmu.Unlock()
		err = f.conn.Close()
	})
	return err
}

func (f *wsFramer) RemoteAddr() string { return f.conn.RemoteAddr().String() }

type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
