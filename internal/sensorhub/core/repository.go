package core

import (
	"context"

	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
)

// SessionRepository persists update sessions.
type SessionRepository interface {
	// Create stores a new session. It fails with ErrActiveSession when the
	// device already has a non-terminal session.
	Create(ctx context.Context, s *model.UpdateSession) error

	// Update replaces the stored record of s.
	Update(ctx context.Context, s *model.UpdateSession) error

	// Get returns the session by id or ErrNotFound.
	Get(ctx context.Context, id string) (*model.UpdateSession, error)

	// FindActive returns the non-terminal session of a device or ErrNotFound.
	FindActive(ctx context.Context, deviceID string) (*model.UpdateSession, error)

	// ListActive returns every non-terminal session.
	ListActive(ctx context.Context) ([]*model.UpdateSession, error)
}

// MessageQueue stores messages that could not be delivered immediately.
// It must accept concurrent Enqueue calls.
type MessageQueue interface {
	Enqueue(ctx context.Context, m *model.QueuedMessage) error
	Update(ctx context.Context, m *model.QueuedMessage) error
	Get(ctx context.Context, messageID string) (*model.QueuedMessage, error)

	// Pending returns up to limit QUEUED messages ordered by timestamp.
	Pending(ctx context.Context, limit int) ([]*model.QueuedMessage, error)

	// List returns messages of a device (all devices when empty), newest last.
	List(ctx context.Context, deviceID string) ([]*model.QueuedMessage, error)
}

// FirmwareCatalog reads firmware images.
type FirmwareCatalog interface {
	GetFirmware(ctx context.Context, id string) (*model.Firmware, error)
}

// ConfigurationCatalog reads configuration bundles.
type ConfigurationCatalog interface {
	GetConfiguration(ctx context.Context, id string) (*model.Configuration, error)
}

// PreferenceStore returns per-device communication preferences.
type PreferenceStore interface {
	// Preference returns the stored preference or ErrNotFound.
	Preference(ctx context.Context, deviceID string) (*model.CommunicationPreference, error)
}
