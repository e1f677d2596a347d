// Package natsconn wraps a NATS connection and its JetStream context with
// just the surface the rest of this module needs: connect, core pub/sub,
// and stream/KV bootstrap helpers.
package natsconn

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Conn bundles a core NATS connection with its JetStream context.
type Conn struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Option configures the connection.
type Option func(*nats.Options)

// WithName sets the client connection name shown in NATS server monitoring.
func WithName(name string) Option {
	return func(o *nats.Options) {
		o.Name = name
	}
}

// WithConnectTimeout sets the dial timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *nats.Options) {
		o.Timeout = d
	}
}

// Connect dials the NATS server at url and resolves a JetStream context.
func Connect(url string, opts ...Option) (*Conn, error) {
	var natsOpts nats.Options
	natsOpts.Url = url
	natsOpts.MaxReconnect = -1
	natsOpts.ReconnectWait = 2 * time.Second

	for _, opt := range opts {
		opt(&natsOpts)
	}

	nc, err := natsOpts.Connect()
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get jetstream context: %w", err)
	}

	return &Conn{nc: nc, js: js}, nil
}

// Raw returns the underlying *nats.Conn, for core pub/sub.
func (c *Conn) Raw() *nats.Conn {
	return c.nc
}

// JetStream returns the JetStream context, for streams and KV buckets.
func (c *Conn) JetStream() jetstream.JetStream {
	return c.js
}

// Close drains and closes the underlying connection.
func (c *Conn) Close() {
	if c.nc == nil {
		return
	}
	_ = c.nc.Drain()
}

// Healthy reports whether the connection is currently usable.
func (c *Conn) Healthy() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// EnsureStream creates the stream if it doesn't exist, or returns the existing one.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// EnsureKeyValue creates the KV bucket if it doesn't exist, or returns the existing one.
func EnsureKeyValue(ctx context.Context, js jetstream.JetStream, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket %s: %w", cfg.Bucket, err)
	}
	return kv, nil
}
