package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"riskdesk/internal/domain"
)

// Client calls a RiskDesk server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for addr. Extra options are appended after the
// insecure transport credentials.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary method with req encoded as JSON and decodes the reply
// into resp. A failed call whose server reported a domain error kind returns
// a *domain.Error of that kind.
func (c *Client) Call(ctx context.Context, method string, req, resp any) error {
	in := &structpb.Struct{}
	if req != nil {
		var err error
		if in, err = toStruct(req); err != nil {
			return fmt.Errorf("encoding %s request: %w", method, err)
		}
	}
	out := new(structpb.Struct)
	var trailer metadata.MD
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out, grpc.Trailer(&trailer)); err != nil {
		if kinds := trailer.Get(ErrorKindKey); len(kinds) > 0 {
			return &domain.Error{Kind: domain.ErrorKind(kinds[0]), Msg: status.Convert(err).Message()}
		}
		return err
	}
	if resp == nil {
		return nil
	}
	return fromStruct(out, resp)
}

// WatchAlarms streams alarm events to fn until ctx is cancelled, the server
// ends the stream, or fn returns an error.
func (c *Client) WatchAlarms(ctx context.Context, fn func(AlarmEvent) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], FullMethod(StreamWatchAlarms))
	if err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiving alarm: %w", err)
		}
		var evt AlarmEvent
		if err := fromStruct(msg, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
