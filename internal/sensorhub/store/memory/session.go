// Package memory holds in-process implementations of the core repositories.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/autopeer-io/sensorhub/internal/sensorhub/core"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
)

var _ core.SessionRepository = (*SessionStore)(nil)

// SessionStore keeps update sessions in memory. Records are copied on the
// way in and out so callers never share state with the store.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.UpdateSession
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*model.UpdateSession)}
}

func (s *SessionStore) Create(_ context.Context, session *model.UpdateSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sessions {
		if existing.DeviceID == session.DeviceID && existing.Active() {
			return core.ErrActiveSession
		}
	}
	s.sessions[session.ID] = session.Clone()
	return nil
}

func (s *SessionStore) Update(_ context.Context, session *model.UpdateSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; !ok {
		return core.ErrNotFound
	}
	s.sessions[session.ID] = session.Clone()
	return nil
}

func (s *SessionStore) Get(_ context.Context, id string) (*model.UpdateSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return session.Clone(), nil
}

// FindActive returns the most recently started non-terminal session of the device.
func (s *SessionStore) FindActive(_ context.Context, deviceID string) (*model.UpdateSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *model.UpdateSession
	for _, session := range s.sessions {
		if session.DeviceID != deviceID || !session.Active() {
			continue
		}
		if found == nil || session.StartedAt.After(found.StartedAt) {
			found = session
		}
	}
	if found == nil {
		return nil, core.ErrNotFound
	}
	return found.Clone(), nil
}

func (s *SessionStore) ListActive(_ context.Context) ([]*model.UpdateSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.UpdateSession
	for _, session := range s.sessions {
		if session.Active() {
			out = append(out, session.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
