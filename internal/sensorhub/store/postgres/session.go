package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/autopeer-io/sensorhub/internal/sensorhub/core"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
)

const uniqueViolation = "23505"

const activeStatuses = `('INITIATED', 'PREPARING', 'TRANSFERRING', 'VALIDATING', 'APPLYING',
	'RESTARTING', 'VERIFYING', 'ROLLING_BACK')`

var _ core.SessionRepository = (*SessionStore)(nil)

// SessionStore is a SessionRepository backed by the update_sessions table.
type SessionStore struct {
	db *sqlx.DB
}

func NewSessionStore(db *sqlx.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Create(ctx context.Context, session *model.UpdateSession) error {
	row, err := toDBSession(session)
	if err != nil {
		return err
	}

	q := `INSERT INTO update_sessions (id, device_id, type, status, source_id, version, checksum,
			total_size, total_chunks, chunk_size, sent_chunks, acknowledged_chunks, options,
			expected_duration, error, started_at, last_activity_at, completed_at)
		VALUES (:id, :device_id, :type, :status, :source_id, :version, :checksum,
			:total_size, :total_chunks, :chunk_size, :sent_chunks, :acknowledged_chunks, :options,
			:expected_duration, :error, :started_at, :last_activity_at, :completed_at)`

	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return core.ErrActiveSession
		}
		return fmt.Errorf("failed to create session %s: %w", session.ID, err)
	}
	return nil
}

func (s *SessionStore) Update(ctx context.Context, session *model.UpdateSession) error {
	row, err := toDBSession(session)
	if err != nil {
		return err
	}

	q := `UPDATE update_sessions SET status = :status, sent_chunks = :sent_chunks,
			acknowledged_chunks = :acknowledged_chunks, error = :error,
			last_activity_at = :last_activity_at, completed_at = :completed_at
		WHERE id = :id`

	res, err := s.db.NamedExecContext(ctx, q, row)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", session.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", session.ID, err)
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*model.UpdateSession, error) {
	var row dbSession
	err := s.db.GetContext(ctx, &row, `SELECT * FROM update_sessions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", id, err)
	}
	return row.toSession()
}

func (s *SessionStore) FindActive(ctx context.Context, deviceID string) (*model.UpdateSession, error) {
	var row dbSession
	q := `SELECT * FROM update_sessions WHERE device_id = $1 AND status IN ` + activeStatuses + `
		ORDER BY started_at DESC LIMIT 1`
	err := s.db.GetContext(ctx, &row, q, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active session of %s: %w", deviceID, err)
	}
	return row.toSession()
}

func (s *SessionStore) ListActive(ctx context.Context) ([]*model.UpdateSession, error) {
	var rows []dbSession
	q := `SELECT * FROM update_sessions WHERE status IN ` + activeStatuses + ` ORDER BY started_at`
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}

	out := make([]*model.UpdateSession, 0, len(rows))
	for _, r := range rows {
		session, err := r.toSession()
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, nil
}

type dbSession struct {
	ID                 string         `db:"id"`
	DeviceID           string         `db:"device_id"`
	Type               string         `db:"type"`
	Status             string         `db:"status"`
	SourceID           string         `db:"source_id"`
	Version            sql.NullString `db:"version"`
	Checksum           sql.NullString `db:"checksum"`
	TotalSize          int64          `db:"total_size"`
	TotalChunks        int            `db:"total_chunks"`
	ChunkSize          int            `db:"chunk_size"`
	SentChunks         int            `db:"sent_chunks"`
	AcknowledgedChunks int            `db:"acknowledged_chunks"`
	Options            []byte         `db:"options"`
	ExpectedDuration   int64          `db:"expected_duration"`
	Error              sql.NullString `db:"error"`
	StartedAt          time.Time      `db:"started_at"`
	LastActivityAt     time.Time      `db:"last_activity_at"`
	CompletedAt        sql.NullTime   `db:"completed_at"`
}

func toDBSession(s *model.UpdateSession) (dbSession, error) {
	opts, err := json.Marshal(s.Options)
	if err != nil {
		return dbSession{}, fmt.Errorf("failed to encode session options: %w", err)
	}

	row := dbSession{
		ID:                 s.ID,
		DeviceID:           s.DeviceID,
		Type:               string(s.Type),
		Status:             string(s.Status),
		SourceID:           s.SourceID,
		Version:            sql.NullString{String: s.Version, Valid: s.Version != ""},
		Checksum:           sql.NullString{String: s.Checksum, Valid: s.Checksum != ""},
		TotalSize:          int64(s.TotalSize),
		TotalChunks:        s.TotalChunks,
		ChunkSize:          s.ChunkSize,
		SentChunks:         s.SentChunks,
		AcknowledgedChunks: s.AcknowledgedChunks,
		Options:            opts,
		ExpectedDuration:   int64(s.ExpectedDuration),
		Error:              sql.NullString{String: s.Error, Valid: s.Error != ""},
		StartedAt:          s.StartedAt,
		LastActivityAt:     s.LastActivityAt,
	}
	if s.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *s.CompletedAt, Valid: true}
	}
	return row, nil
}

func (r dbSession) toSession() (*model.UpdateSession, error) {
	s := &model.UpdateSession{
		ID:                 r.ID,
		DeviceID:           r.DeviceID,
		Type:               model.UpdateType(r.Type),
		Status:             model.SessionStatus(r.Status),
		SourceID:           r.SourceID,
		Version:            r.Version.String,
		Checksum:           r.Checksum.String,
		TotalSize:          int(r.TotalSize),
		TotalChunks:        r.TotalChunks,
		ChunkSize:          r.ChunkSize,
		SentChunks:         r.SentChunks,
		AcknowledgedChunks: r.AcknowledgedChunks,
		ExpectedDuration:   time.Duration(r.ExpectedDuration),
		Error:              r.Error.String,
		StartedAt:          r.StartedAt,
		LastActivityAt:     r.LastActivityAt,
	}
	if len(r.Options) > 0 {
		if err := json.Unmarshal(r.Options, &s.Options); err != nil {
			return nil, fmt.Errorf("failed to decode options of session %s: %w", r.ID, err)
		}
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		s.CompletedAt = &t
	}
	return s, nil
}
