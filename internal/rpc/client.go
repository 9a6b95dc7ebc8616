package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a daemon over its unix socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for the daemon listening on socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes service/method with in and decodes the reply into out.
// out may be nil.
func (c *Client) Call(ctx context.Context, service, method string, in, out any) error {
	req, err := Encode(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+service+"/"+method, req, resp); err != nil {
		return err
	}
	return Decode(resp, out)
}

// Watch streams bus events until ctx is done or the daemon goes away.
func (c *Client) Watch(ctx context.Context, namespaces ...string) (<-chan Event, <-chan error, error) {
	desc := &grpc.StreamDesc{StreamName: "Watch", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+SessionService+"/Watch")
	if err != nil {
		return nil, nil, err
	}
	req, err := Encode(WatchRequest{Namespaces: namespaces})
	if err != nil {
		return nil, nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, nil, err
	}

	events := make(chan Event, 64)
	errc := make(chan error, 1)
	go func() {
		defer close(events)
		for {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					errc <- err
				}
				return
			}
			var evt Event
			if err := Decode(msg, &evt); err != nil {
				errc <- err
				return
			}
			select {
			case events <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, errc, nil
}

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.Call(ctx, SessionService, "Status", Empty{}, &out)
	return out, err
}
