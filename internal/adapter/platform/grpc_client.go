package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rl1809/smart-fridge/internal/core/domain"
)

var ErrRejected = errors.New("platform rejected request")

// GRPCClient talks to the platform over gRPC.
type GRPCClient struct {
	conn *grpc.ClientConn
}

// DialGRPC creates a client for addr. Without options the connection is
// plaintext.
func DialGRPC(addr string, opts ...grpc.DialOption) (*GRPCClient, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial platform %s: %w", addr, err)
	}
	return &GRPCClient{conn: conn}, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func (c *GRPCClient) invoke(ctx context.Context, method string, req interface{}) (*Response, error) {
	in, err := EncodeStruct(req)
	if err != nil {
		return nil, err
	}

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	var resp Response
	if err := DecodeStruct(out, &resp); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if resp.Status != StatusSuccess {
		return nil, fmt.Errorf("%s: %w: %s", method, ErrRejected, resp.Message)
	}
	return &resp, nil
}

func (c *GRPCClient) Connect(ctx context.Context, hello domain.DeviceHello) error {
	_, err := c.invoke(ctx, MethodConnect, ConnectRequest{
		DeviceID:  hello.DeviceID,
		Version:   hello.Version,
		Timestamp: hello.Timestamp,
	})
	return err
}

func (c *GRPCClient) Heartbeat(ctx context.Context, deviceID string) error {
	_, err := c.invoke(ctx, MethodHeartbeat, HeartbeatRequest{DeviceID: deviceID, Timestamp: time.Now()})
	return err
}

func (c *GRPCClient) PushStatus(ctx context.Context, deviceID string, item domain.TelemetryItem) error {
	_, err := c.invoke(ctx, MethodPushStatus, StatusRequest{DeviceID: deviceID, Item: item})
	return err
}

func (c *GRPCClient) PushBatch(ctx context.Context, deviceID string, kind domain.TelemetryKind, items []domain.TelemetryItem) error {
	_, err := c.invoke(ctx, MethodPushBatch, BatchRequest{DeviceID: deviceID, Kind: kind, Items: items})
	return err
}

func (c *GRPCClient) PullConfig(ctx context.Context, deviceID string) (map[string]interface{}, error) {
	resp, err := c.invoke(ctx, MethodPullConfig, ConfigRequest{DeviceID: deviceID})
	if err != nil {
		return nil, err
	}
	return resp.Config, nil
}

func (c *GRPCClient) PullOTAManifest(ctx context.Context, deviceID, version string) (*domain.OTAManifest, error) {
	resp, err := c.invoke(ctx, MethodPullOTAManifest, OTARequest{DeviceID: deviceID, Version: version})
	if err != nil {
		return nil, err
	}
	return resp.Manifest, nil
}
