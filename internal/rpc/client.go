package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"fleetwatch/internal/shared"
)

// Client sends reports to the Ingest service. The connection is created
// lazily by grpc and re-established on failure.
type Client struct {
	conn *grpc.ClientConn
}

func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Report(ctx context.Context, rep shared.Report) error {
	var ack shared.ReportAck
	if err := c.conn.Invoke(ctx, ReportMethod, &rep, &ack); err != nil {
		return err
	}
	if ack.Status != "ok" {
		return fmt.Errorf("unexpected ack status %q", ack.Status)
	}
	return nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
