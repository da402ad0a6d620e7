package client

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Client probes the health service of a plbd instance
type Client struct {
	conn     *grpc.ClientConn
	health   healthpb.HealthClient
	attempts uint
	delay    time.Duration
}

// NewClient creates a client for addr. Without options the connection is
// insecure; plbd serves plain gRPC on its health port.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	return &Client{
		conn:     conn,
		health:   healthpb.NewHealthClient(conn),
		attempts: 3,
		delay:    200 * time.Millisecond,
	}, nil
}

// WithRetry sets how often an unreachable server is retried
func (c *Client) WithRetry(attempts uint, delay time.Duration) *Client {
	c.attempts = attempts
	c.delay = delay
	return c
}

// Close closes the client connection
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Check asks for the serving status of service. The empty name is the
// overall server. Only Unavailable errors are retried.
func (c *Client) Check(ctx context.Context, service string) (*healthpb.HealthCheckResponse, error) {
	var resp *healthpb.HealthCheckResponse
	err := retry.Do(
		func() error {
			var err error
			resp, err = c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
			return err
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return status.Code(err) == codes.Unavailable
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("health check of %q failed: %w", service, err)
	}
	return resp, nil
}

// Serving reports whether service answered SERVING
func (c *Client) Serving(ctx context.Context, service string) (bool, error) {
	resp, err := c.Check(ctx, service)
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}
