package model

import "time"

// UpdateType distinguishes firmware from configuration rollouts.
type UpdateType string

const (
	UpdateTypeFirmware      UpdateType = "FIRMWARE"
	UpdateTypeConfiguration UpdateType = "CONFIGURATION"
)

// SessionStatus is the state of an UpdateSession.
type SessionStatus string

const (
	StatusInitiated       SessionStatus = "INITIATED"
	StatusPreparing       SessionStatus = "PREPARING"
	StatusTransferring    SessionStatus = "TRANSFERRING"
	StatusValidating      SessionStatus = "VALIDATING"
	StatusApplying        SessionStatus = "APPLYING"
	StatusRestarting      SessionStatus = "RESTARTING"
	StatusVerifying       SessionStatus = "VERIFYING"
	StatusCompleted       SessionStatus = "COMPLETED"
	StatusFailed          SessionStatus = "FAILED"
	StatusRollingBack     SessionStatus = "ROLLING_BACK"
	StatusRolledBack      SessionStatus = "ROLLED_BACK"
	StatusCriticalFailure SessionStatus = "CRITICAL_FAILURE"
)

// Terminal reports whether no further transition can leave s.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRolledBack, StatusCriticalFailure:
		return true
	}
	return false
}

// UpdateOptions are the caller-controlled knobs of one update.
type UpdateOptions struct {
	ForceUpdate      bool          `json:"forceUpdate"`
	SkipVerification bool          `json:"skipVerification"`
	UpdateTimeout    time.Duration `json:"updateTimeout"`
	ChunkSize        int           `json:"chunkSize,omitempty"`
}

// UpdateSession is the persisted state of one update attempt on one device.
type UpdateSession struct {
	ID                 string        `json:"id"`
	DeviceID           string        `json:"deviceId"`
	Type               UpdateType    `json:"type"`
	Status             SessionStatus `json:"status"`
	SourceID           string        `json:"sourceId"`
	Version            string        `json:"version"`
	Checksum           string        `json:"checksum"`
	TotalSize          int           `json:"totalSize"`
	TotalChunks        int           `json:"totalChunks"`
	ChunkSize          int           `json:"chunkSize"`
	SentChunks         int           `json:"sentChunks"`
	AcknowledgedChunks int           `json:"acknowledgedChunks"`
	Options            UpdateOptions `json:"options"`
	ExpectedDuration   time.Duration `json:"expectedDuration"`
	Error              string        `json:"error,omitempty"`
	StartedAt          time.Time     `json:"startedAt"`
	LastActivityAt     time.Time     `json:"lastActivityAt"`
	CompletedAt        *time.Time    `json:"completedAt,omitempty"`
}

// Active reports whether the session still occupies its device.
func (s *UpdateSession) Active() bool {
	return !s.Status.Terminal()
}

// Progress returns the acknowledged share of chunks in percent.
func (s *UpdateSession) Progress() float64 {
	if s.TotalChunks == 0 {
		return 0
	}
	return float64(s.AcknowledgedChunks) / float64(s.TotalChunks) * 100
}

// Clone returns a copy that shares no mutable state with s.
func (s *UpdateSession) Clone() *UpdateSession {
	c := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
