package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/sensorhub/internal/sensorhub/core"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
)

var columns = []string{
	"id", "device_id", "type", "status", "source_id", "version", "checksum", "total_size",
	"total_chunks", "chunk_size", "sent_chunks", "acknowledged_chunks", "options",
	"expected_duration", "error", "started_at", "last_activity_at", "completed_at",
}

func newStore(t *testing.T) (*SessionStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewSessionStore(sqlx.NewDb(db, "pgx")), mock
}

func session() *model.UpdateSession {
	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &model.UpdateSession{
		ID:               "s-1",
		DeviceID:         "dev-1",
		Type:             model.UpdateTypeFirmware,
		Status:           model.StatusInitiated,
		SourceID:         "fw-2",
		Version:          "2.0.0",
		Checksum:         "abc",
		TotalSize:        10,
		TotalChunks:      3,
		ChunkSize:        4,
		Options:          model.UpdateOptions{ForceUpdate: true},
		ExpectedDuration: 33 * time.Second,
		StartedAt:        started,
		LastActivityAt:   started,
	}
}

func TestCreate(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO update_sessions")).
		WithArgs("s-1", "dev-1", "FIRMWARE", "INITIATED", "fw-2", "2.0.0", "abc", int64(10), 3, 4, 0, 0,
			sqlmock.AnyArg(), int64(33*time.Second), nil, sqlmock.AnyArg(), sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Create(context.Background(), session()))
}

func TestCreateActiveConflict(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO update_sessions")).
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})

	err := s.Create(context.Background(), session())
	assert.ErrorIs(t, err, core.ErrActiveSession)
}

func TestUpdateMissing(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE update_sessions SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, s.Update(context.Background(), session()), core.ErrNotFound)
}

func TestGet(t *testing.T) {
	s, mock := newStore(t)
	src := session()
	done := src.StartedAt.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM update_sessions WHERE id = $1")).
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"s-1", "dev-1", "FIRMWARE", "COMPLETED", "fw-2", "2.0.0", "abc", int64(10),
			3, 4, 3, 3, []byte(`{"forceUpdate":true,"skipVerification":false,"updateTimeout":0}`),
			int64(33*time.Second), nil, src.StartedAt, done, done))

	got, err := s.Get(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.AcknowledgedChunks)
	assert.True(t, got.Options.ForceUpdate)
	assert.Equal(t, 33*time.Second, got.ExpectedDuration)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(done))
	assert.Empty(t, got.Error)
}

func TestGetMissing(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM update_sessions WHERE id = $1")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(columns))

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestListActive(t *testing.T) {
	s, mock := newStore(t)
	src := session()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM update_sessions WHERE status IN")).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("s-1", "dev-1", "FIRMWARE", "TRANSFERRING", "fw-2", "2.0.0", "abc", int64(10),
				3, 4, 2, 1, nil, int64(0), nil, src.StartedAt, src.StartedAt, nil).
			AddRow("s-2", "dev-2", "CONFIGURATION", "PREPARING", "cfg-1", nil, nil, int64(5),
				1, 4, 0, 0, nil, int64(0), nil, src.StartedAt, src.StartedAt, nil))

	got, err := s.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.StatusTransferring, got[0].Status)
	assert.Equal(t, 1, got[0].AcknowledgedChunks)
	assert.Nil(t, got[0].CompletedAt)
	assert.Equal(t, model.UpdateTypeConfiguration, got[1].Type)
	assert.Empty(t, got[1].Version)
}

func TestFindActiveMissing(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM update_sessions WHERE device_id = $1")).
		WithArgs("dev-1").
		WillReturnRows(sqlmock.NewRows(columns))

	_, err := s.FindActive(context.Background(), "dev-1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestMigrationDeclaresActiveIndex(t *testing.T) {
	m := Migration()
	require.Len(t, m.Migrations, 1)
	assert.Contains(t, m.Migrations[0].Up[1], "update_sessions_one_active")
}
