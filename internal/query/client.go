package query

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/caesar-terminal/depth/internal/adapter"
)

// Client talks to a query server over its socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the server at socketPath. The connection is made
// lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix:"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Get fetches one book and whether it is healthy.
func (c *Client) Get(ctx context.Context, exchange adapter.Exchange, symbol string) (adapter.TopOfBook, bool, error) {
	out := new(structpb.Struct)
	in := wrapperspb.String(adapter.BookKey(exchange, symbol))
	if err := c.conn.Invoke(ctx, getMethod, in, out); err != nil {
		return adapter.TopOfBook{}, false, err
	}
	return Decode(out)
}

// List returns every book key the server knows.
func (c *Client) List(ctx context.Context) ([]string, error) {
	out := new(structpb.ListValue)
	if err := c.conn.Invoke(ctx, listMethod, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		keys = append(keys, v.GetStringValue())
	}
	return keys, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }
