package transport

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeJSONWireShape(t *testing.T) {
	t.Parallel()

	data, err := JSONCodec{}.Encode(NewEnvelope(KindRunJob, "job-1"))
	require.NoError(t, err)
	require.JSONEq(t, `["run_job",["job-1"],{}]`, string(data))

	env, err := JSONCodec{}.Decode([]byte(`["pi_result", ["job-7", 3.14159], {}]`))
	require.NoError(t, err)
	require.Equal(t, KindJobCompleted, env.Kind())
	id, err := env.StringArg(0)
	require.NoError(t, err)
	require.Equal(t, "job-7", id)
	f, err := env.FloatArg(1)
	require.NoError(t, err)
	require.InDelta(t, 3.14159, f, 1e-9)
}

func TestEnvelopeRejectsWrongShape(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{`{"fn":"x"}`, `["only-two", []]`, `not json`, `[1, [], {}]`} {
		_, err := JSONCodec{}.Decode([]byte(raw))
		require.Error(t, err, raw)
	}
}

func TestMsgpackCodecRoundTrip(t *testing.T) {
	t.Parallel()

	codec := MsgpackCodec{}
	in := NewEnvelope(KindCPUStatus, 0.25).WithKwarg("worker", "w1")
	data, err := codec.Encode(in)
	require.NoError(t, err)

	out, err := codec.Decode(data)
	require.NoError(t, err)
	require.Equal(t, KindCPUStatus, out.Kind())
	f, err := out.FloatArg(0)
	require.NoError(t, err)
	require.InDelta(t, 0.25, f, 1e-9)
	require.Equal(t, "w1", out.KwargString("worker"))
}

func TestStringArgFormatsIntegers(t *testing.T) {
	t.Parallel()

	env := NewEnvelope(KindRegistered, float64(3))
	s, err := env.StringArg(0)
	require.NoError(t, err)
	require.Equal(t, "3", s)

	_, err = env.StringArg(1)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, CodeBadRequest, pe.Code)
}

func TestParseKindAliases(t *testing.T) {
	t.Parallel()

	k, ok := ParseKind("calculate_pi")
	require.True(t, ok)
	require.Equal(t, KindRunJob, k)
	require.Equal(t, "run_job", k.String())

	_, ok = ParseKind("launch_missiles")
	require.False(t, ok)
}

func TestPipeMalformedFrameKeepsConnectionUsable(t *testing.T) {
	t.Parallel()

	a, b := PipeFramers()
	conn := NewConn(a, JSONCodec{})
	defer conn.Close()

	require.NoError(t, b.WriteFrame([]byte("{{{")))
	_, err := conn.Receive()
	require.True(t, IsProtocolError(err))

	valid, err := JSONCodec{}.Encode(NewEnvelope(KindGetCPUStatus))
	require.NoError(t, err)
	require.NoError(t, b.WriteFrame(valid))
	env, err := conn.Receive()
	require.NoError(t, err)
	require.Equal(t, KindGetCPUStatus, env.Kind())
}

func TestPipeCloseSurfacesConnectionLost(t *testing.T) {
	t.Parallel()

	a, b := Pipe(JSONCodec{})
	require.NoError(t, a.Send(NewEnvelope(KindAuthOK)))
	require.NoError(t, a.Close())

	// Buffered envelopes are still delivered before end of stream.
	env, err := b.Receive()
	require.NoError(t, err)
	require.Equal(t, KindAuthOK, env.Kind())

	_, err = b.Receive()
	require.ErrorIs(t, err, ErrConnectionLost)
	require.ErrorIs(t, b.Send(NewEnvelope(KindAuth)), ErrConnectionLost)
}

func TestHandshake(t *testing.T) {
	t.Parallel()

	verify := func(token string) (string, error) {
		if token != "peekaboo" {
			return "", errors.New("bad token")
		}
		return "worker-a", nil
	}

	t.Run("accepted", func(t *testing.T) {
		client, server := Pipe(JSONCodec{})
		defer client.Close()
		done := make(chan error, 1)
		go func() {
			subject, err := ServerHandshake(server, verify)
			if err == nil && subject != "worker-a" {
				err = errors.New("unexpected subject " + subject)
			}
			done <- err
		}()
		require.NoError(t, ClientHandshake(client, "peekaboo"))
		require.NoError(t, <-done)
	})

	t.Run("rejected", func(t *testing.T) {
		client, server := Pipe(JSONCodec{})
		defer client.Close()
		done := make(chan error, 1)
		go func() {
			_, err := ServerHandshake(server, verify)
			done <- err
		}()
		require.ErrorIs(t, ClientHandshake(client, "wrong"), ErrAuthenticationFailed)
		require.ErrorIs(t, <-done, ErrAuthenticationFailed)
	})

	t.Run("first message must be auth", func(t *testing.T) {
		client, server := Pipe(JSONCodec{})
		defer client.Close()
		done := make(chan error, 1)
		go func() {
			_, err := ServerHandshake(server, verify)
			done <- err
		}()
		require.NoError(t, client.Send(NewEnvelope(KindRegister, "w")))
		reply, err := client.Receive()
		require.NoError(t, err)
		code, _, ok := reply.ErrorDetail()
		require.True(t, ok)
		require.Equal(t, CodeBadRequest, code)
		require.ErrorIs(t, <-done, ErrAuthenticationFailed)
	})
}

func TestWebSocketRoundTrip(t *testing.T) {
	t.Parallel()

	for _, codec := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		codec := codec
		t.Run(codec.Name(), func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				conn, err := AcceptWebSocket(w, r)
				if err != nil {
					return
				}
				defer conn.Close()
				for {
					env, err := conn.Receive()
					if err != nil {
						if IsProtocolError(err) {
							continue
						}
						return
					}
					if env.Kind() == KindGetCPUStatus {
						//nolint:errcheck // test echo server
						conn.Send(NewEnvelope(KindCPUStatus, 0.5))
					}
				}
			}))
			defer srv.Close()

			url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/connect"
			conn, err := DialWebSocket(t.Context(), url, codec)
			require.NoError(t, err)
			defer conn.Close()

			require.NoError(t, conn.Send(NewEnvelope(KindGetCPUStatus)))
			env, err := conn.Receive()
			require.NoError(t, err)
			require.Equal(t, KindCPUStatus, env.Kind())
			f, err := env.FloatArg(0)
			require.NoError(t, err)
			require.InDelta(t, 0.5, f, 1e-9)
		})
	}
}
