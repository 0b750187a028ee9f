package testutil

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// RunServerOnPort creates a NATS server on the specified port.
// Port -1 picks a random free port.
func RunServerOnPort(port int) (*server.Server, error) {
	opts := &server.Options{
		Host:           "127.0.0.1",
		Port:           port,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	}

	return server.NewServer(opts)
}

// StartServer starts an embedded NATS server and connects to it.
// Both are shut down when the test ends.
func StartServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	s, err := RunServerOnPort(-1)
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("Unable to start NATS server")
	}

	nc := Connect(t, s)
	t.Cleanup(s.Shutdown)
	return s, nc
}

// Connect opens another client connection to s, closed when the test ends
func Connect(t *testing.T, s *server.Server) *nats.Conn {
	t.Helper()

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}
