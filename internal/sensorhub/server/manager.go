// Package server runs the long-lived components of the hub side by side.
package server

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/sensorhub/pkg/log"
)

// Server defines the common interface for every component that runs until
// its context is cancelled: protocol servers, sweepers and bus bridges.
type Server interface {
	Start(ctx context.Context) error
}

// Manager manages the lifecycle of all servers.
type Manager struct {
	servers []Server
}

// NewManager creates a manager for the given servers.
func NewManager(servers ...Server) *Manager {
	return &Manager{servers: servers}
}

// Add registers another server. It must be called before Start.
func (m *Manager) Add(s Server) {
	m.servers = append(m.servers, s)
}

// Servers returns the registered servers.
func (m *Manager) Servers() []Server {
	return m.servers
}

// Start launches all servers in parallel and waits for termination. The
// first failing server cancels the others.
func (m *Manager) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, srv := range m.servers {
		g.Go(func() error {
			return srv.Start(ctx)
		})
	}

	log.Info("All servers starting...", "count", len(m.servers))
	return g.Wait()
}
