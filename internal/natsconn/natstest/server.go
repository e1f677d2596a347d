// Package natstest starts an embedded NATS server for integration tests,
// so integration tests run against a real JetStream engine in place of the
// test-client helper from the unavailable c360studio/semstreams package. It pairs directly with
// the nats-io/nats.go client already required throughout this module.
package natstest

import (
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/c360studio/templatefabric/internal/natsconn"
)

// StartServer boots an in-process NATS server with JetStream enabled on a
// random available port and returns it alongside a cleanup func.
func StartServer(t *testing.T) (*server.Server, func()) {
	t.Helper()

	dir := t.TempDir()
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1, // random free port
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  dir,
	}

	srv, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("start embedded nats server: %v", err)
	}

	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded nats server did not become ready")
	}

	return srv, func() { srv.Shutdown() }
}

// Connect dials a *natsconn.Conn against the given embedded server.
func Connect(t *testing.T, srv *server.Server) *natsconn.Conn {
	t.Helper()

	conn, err := natsconn.Connect(fmt.Sprintf("nats://%s", srv.Addr().String()),
		natsconn.WithName("test-"+t.Name()))
	if err != nil {
		t.Fatalf("connect to embedded nats server: %v", err)
	}
	t.Cleanup(conn.Close)
	return conn
}

// RawConnect dials the raw *nats.Conn directly, for tests exercising core
// pub/sub without needing the JetStream wrapper.
func RawConnect(t *testing.T, srv *server.Server) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(fmt.Sprintf("nats://%s", srv.Addr().String()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(nc.Close)
	return nc
}
