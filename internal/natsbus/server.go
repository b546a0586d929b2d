// Package natsbus runs the embedded NATS server a coordinator node talks
// over and wraps the client side: event envelopes under events.> and the
// request/reply commands of the swarm IPC subject.
package natsbus

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/mtzanidakis/kypseli/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

const (
	defaultReadyTimeout = 5 * time.Second
	defaultServerName   = "kypseli"
)

// Bus is a node's embedded NATS server. JetStream state lives in the
// configured data directory so backups can carry it.
type Bus struct {
	server  *natsserver.Server
	port    int
	dataDir string
}

type busSettings struct {
	name         string
	host         string
	readyTimeout time.Duration
}

type BusOption func(*busSettings)

// WithServerName names the server in client info and monitoring output.
func WithServerName(name string) BusOption {
	return func(s *busSettings) { s.name = name }
}

// WithHost binds the server to host instead of every interface.
func WithHost(host string) BusOption {
	return func(s *busSettings) { s.host = host }
}

// WithReadyTimeout bounds how long New waits for the server to accept
// connections.
func WithReadyTimeout(d time.Duration) BusOption {
	return func(s *busSettings) { s.readyTimeout = d }
}

// New starts the server on cfg.Port; -1 picks a random port, which Port
// then reports.
func New(cfg config.NATSConfig, opts ...BusOption) (*Bus, error) {
	set := busSettings{name: defaultServerName, readyTimeout: defaultReadyTimeout}
	for _, o := range opts {
		o(&set)
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("nats data dir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create nats data dir: %w", err)
	}

	ns, err := natsserver.NewServer(&natsserver.Options{
		ServerName: set.name,
		Host:       set.host,
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
		JetStream:  true,
		StoreDir:   cfg.DataDir,
	})
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(set.readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready after %s", set.readyTimeout)
	}

	b := &Bus{server: ns, port: cfg.Port, dataDir: cfg.DataDir}
	if addr, ok := ns.Addr().(*net.TCPAddr); ok {
		b.port = addr.Port
	}
	return b, nil
}

func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// Port is the port the server listens on.
func (b *Bus) Port() int {
	return b.port
}

func (b *Bus) DataDir() string {
	return b.dataDir
}

// Clients counts the open client connections.
func (b *Bus) Clients() int {
	return b.server.NumClients()
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
