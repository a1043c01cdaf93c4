package victim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/danielpatrickdp/adversarial-harness/internal/imageio"
)

// #region client-struct
// Client talks to a victim model server.
type Client struct {
	conn *grpc.ClientConn
	cc   grpc.ClientConnInterface
}
// #endregion client-struct

// #region constructor
// NewClient connects to the victim model at addr.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, cc: conn}, nil
}

// NewClientWithConn wraps an existing connection. Close is then a no-op.
func NewClientWithConn(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}
// #endregion constructor

// #region close
// Close shuts down the gRPC connection if the client owns it.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
// #endregion close

// #region calls
// Hello is the liveness probe.
func (c *Client) Hello(ctx context.Context) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, methodHello, &emptypb.Empty{}, out); err != nil {
		return "", fmt.Errorf("hello rpc: %w", err)
	}
	return out.GetValue(), nil
}

// Predict classifies a single image.
func (c *Client) Predict(ctx context.Context, im imageio.Image) (int, error) {
	out := new(wrapperspb.Int64Value)
	if err := c.cc.Invoke(ctx, methodPredict, wrapperspb.Bytes(im.Pix), out); err != nil {
		return 0, fmt.Errorf("predict rpc: %w", err)
	}
	return int(out.GetValue()), nil
}

// BatchPredict classifies ims in one request; labels keep input order.
func (c *Client) BatchPredict(ctx context.Context, ims []imageio.Image) ([]int, error) {
	payload := make([]byte, 0, len(ims)*imageio.Size)
	for _, im := range ims {
		payload = append(payload, im.Pix...)
	}
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, methodBatchPredict, wrapperspb.Bytes(payload), out); err != nil {
		return nil, fmt.Errorf("batch predict rpc: %w", err)
	}
	labels := make([]int, len(out.GetValues()))
	for i, v := range out.GetValues() {
		labels[i] = int(v.GetNumberValue())
	}
	return labels, nil
}

// NumClasses returns the size of the label space.
func (c *Client) NumClasses(ctx context.Context) (int, error) {
	out := new(wrapperspb.Int64Value)
	if err := c.cc.Invoke(ctx, methodNumClasses, &emptypb.Empty{}, out); err != nil {
		return 0, fmt.Errorf("num classes rpc: %w", err)
	}
	return int(out.GetValue()), nil
}
// #endregion calls

// #region wait-ready
// WaitReady probes Hello up to retries times, interval apart, and returns nil
// once the server answers with the greeting.
func (c *Client) WaitReady(ctx context.Context, retries int, interval time.Duration) error {
	if retries < 1 {
		retries = 1
	}
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, interval)
		greeting, err := c.Hello(callCtx)
		cancel()
		switch {
		case err != nil:
			lastErr = err
		case greeting != Greeting:
			lastErr = fmt.Errorf("unexpected greeting %q", greeting)
		default:
			return nil
		}

		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), lastErr)
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("victim model not ready after %d attempts: %w", retries, lastErr)
}
// #endregion wait-ready
