// Package agent dials the manager's gRPC worker service and exposes the
// stream as a transport.Conn.
package agent

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/VerteraIO/loadmesh/internal/grpc/framing"
	"github.com/VerteraIO/loadmesh/internal/transport"
)

// Dial opens a Connect stream to addr. Extra options are appended to the
// defaults (plaintext credentials, frame codec).
func Dial(ctx context.Context, addr string, codec transport.Codec, opts ...grpc.DialOption) (transport.Conn, error) {
	if codec == nil {
		codec = transport.JSONCodec{}
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(framing.CodecName)),
	}, opts...)
	cc, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", addr, err)
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, framing.MetadataCodec, codec.Name())
	stream, err := cc.NewStream(streamCtx, &framing.StreamDesc, framing.FullMethod, grpc.WaitForReady(false))
	if err != nil {
		cancel()
		_ = cc.Close()
		return nil, fmt.Errorf("grpc connect %s: %w", addr, err)
	}

	framer := framing.NewFramer(stream, addr, func() error {
		sendErr := stream.CloseSend()
		cancel()
		return errors.Join(sendErr, cc.Close())
	})
	return transport.NewConn(framer, codec), nil
}
