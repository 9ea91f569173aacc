package ota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/sensorhub/internal/sensorhub/bus"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
)

func TestFirmwareUpdateCompletes(t *testing.T) {
	h := newHarness(t)
	h.device(cooperativeDevice)
	h.healthChecker(true, "")

	s, err := h.orch.StartFirmware(context.Background(), esp32(), "fw-2", model.UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusInitiated, s.Status)
	assert.Equal(t, 3, s.TotalChunks)
	assert.Equal(t, 10, s.TotalSize)
	assert.Equal(t, 33*time.Second, s.ExpectedDuration)

	done := h.waitStatus(s.ID, model.StatusCompleted)
	assert.Equal(t, 3, done.AcknowledgedChunks)
	assert.Equal(t, 3, done.SentChunks)
	require.NotNil(t, done.CompletedAt)

	assert.Equal(t, []model.MessageType{
		model.MessageUpdatePrepare,
		model.MessageUpdateChunk, model.MessageUpdateChunk, model.MessageUpdateChunk,
		model.MessageUpdateFinalize,
	}, h.sentTypes())

	sent := h.ch.Sent()
	assert.Equal(t, "prepare_"+s.ID, sent[0].MessageID)
	assert.Equal(t, model.PriorityHigh, sent[0].Priority)
	assert.Equal(t, 3, sent[0].Payload["totalChunks"])
	assert.Equal(t, "chunk_"+s.ID+"_2", sent[3].MessageID)
	assert.Equal(t, "ODk=", sent[3].Payload["data"])
	assert.Equal(t, chunkChecksum([]byte("89")), sent[3].Payload["checksum"])
	assert.Equal(t, "finalize_"+s.ID, sent[4].MessageID)

	progress := h.waitEvents(bus.TopicUpdateProgress, 3)
	assert.InDelta(t, 100.0, progress[2].Progress, 0.001)
	assert.Equal(t, 2, progress[2].ChunkID)

	completed := h.waitEvents(bus.TopicUpdateCompleted, 1)
	assert.Equal(t, "2.0.0", completed[0].NewFirmwareVersion)

	var statuses []model.SessionStatus
	for _, e := range h.waitEvents(bus.TopicUpdateStatusChanged, 7) {
		statuses = append(statuses, e.Status)
	}
	assert.Equal(t, []model.SessionStatus{
		model.StatusPreparing, model.StatusTransferring, model.StatusValidating, model.StatusApplying,
		model.StatusRestarting, model.StatusVerifying, model.StatusCompleted,
	}, statuses)
	assert.Len(t, h.updateEvents(bus.TopicUpdateInitiated), 1)
}

func TestConfigurationUpdateSkipsVerification(t *testing.T) {
	h := newHarness(t)
	h.device(cooperativeDevice)

	s, err := h.orch.StartConfiguration(context.Background(), esp32(), "cfg-1", model.UpdateOptions{SkipVerification: true})
	require.NoError(t, err)
	assert.Equal(t, model.UpdateTypeConfiguration, s.Type)

	h.waitStatus(s.ID, model.StatusCompleted)
	completed := h.waitEvents(bus.TopicUpdateCompleted, 1)
	assert.Empty(t, completed[0].NewFirmwareVersion)
	assert.Empty(t, h.updateEvents(bus.TopicUpdateVerificationFailed))
}

func TestStartRejectsIncompatibleFirmware(t *testing.T) {
	h := newHarness(t)
	profile := &model.DeviceProfile{ID: testDevice, Type: "NRF52", FirmwareVersion: "1.0.0"}

	_, err := h.orch.StartFirmware(context.Background(), profile, "fw-2", model.UpdateOptions{ForceUpdate: true})
	assert.ErrorIs(t, err, core.ErrIncompatible)

	_, err = h.orch.Active(context.Background(), testDevice)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Empty(t, h.ch.Sent())
}

func TestForcedUpdateOfUnresolvedDeviceChecksType(t *testing.T) {
	h := newHarness(t)
	h.device(cooperativeDevice)

	_, err := h.orch.StartFirmware(context.Background(), model.FallbackProfile(testDevice), "fw-2", model.UpdateOptions{ForceUpdate: true})
	assert.ErrorIs(t, err, core.ErrIncompatible)

	_, err = h.orch.Active(context.Background(), testDevice)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Empty(t, h.ch.Sent())
}

func TestStartUnknownArtifact(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.StartFirmware(context.Background(), esp32(), "missing", model.UpdateOptions{})
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = h.orch.StartConfiguration(context.Background(), esp32(), "missing", model.UpdateOptions{})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestStartAcceptsSameVersionByDefault(t *testing.T) {
	h := newHarness(t)
	h.catalog.PutFirmware(&model.Firmware{ID: "fw-1", Version: "1.0.0", DeviceType: "ESP32", Data: []byte("0123")})

	s, err := h.orch.StartFirmware(context.Background(), esp32(), "fw-1", model.UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", s.Version)
}

func TestStartRejectsDowngrade(t *testing.T) {
	h := newHarness(t)
	h.opts.RejectDowngrades = true
	h.device(cooperativeDevice)
	profile := &model.DeviceProfile{ID: testDevice, Type: "ESP32", FirmwareVersion: "2.0.0"}

	_, err := h.orch.StartFirmware(context.Background(), profile, "fw-2", model.UpdateOptions{})
	assert.ErrorIs(t, err, core.ErrNotNewer)

	_, err = h.orch.StartFirmware(context.Background(), profile, "fw-2", model.UpdateOptions{ForceUpdate: true})
	assert.NoError(t, err)
}

func TestStartRejectsSecondActiveSession(t *testing.T) {
	h := newHarness(t)

	first, err := h.orch.StartFirmware(context.Background(), esp32(), "fw-2", model.UpdateOptions{})
	require.NoError(t, err)

	_, err = h.orch.StartFirmware(context.Background(), esp32(), "fw-2", model.UpdateOptions{})
	assert.ErrorIs(t, err, core.ErrActiveSession)

	active, err := h.orch.Active(context.Background(), testDevice)
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)
}

func TestPrepareTimeoutFails(t *testing.T) {
	h := newHarness(t)

	s, err := h.orch.StartFirmware(context.Background(), esp32(), "fw-2", model.UpdateOptions{})
	require.NoError(t, err)

	h.waitArmed(s.ID, model.StatusPreparing)
	h.clock.Step(h.opts.PrepareTimeout)

	failed := h.waitStatus(s.ID, model.StatusFailed)
	assert.Equal(t, "timeout waiting for device to prepare for update", failed.Error)
	errs := h.waitEvents(bus.TopicUpdateError, 1)
	assert.Equal(t, failed.Error, errs[0].Error)
	assert.Empty(t, h.updateEvents(bus.TopicUpdateFailed))
}

func TestChunkAckTimeoutFails(t *testing.T) {
	h := newHarness(t)
	h.device(func(msg *model.DeviceMessage) []model.DeviceStatus {
		if msg.MessageType == model.MessageUpdatePrepare {
			return []model.DeviceStatus{model.DeviceReady}
		}
		return nil
	})

	s, err := h.orch.StartFirmware(context.Background(), esp32(), "fw-2", model.UpdateOptions{})
	require.NoError(t, err)

	h.waitArmed(s.ID, model.StatusTransferring)
	h.clock.Step(h.opts.ChunkAckTimeout)

	failed := h.waitStatus(s.ID, model.StatusFailed)
	assert.Equal(t, "timeout waiting for acknowledgement of chunk 0", failed.Error)
}

func TestOutOfOrderAckIgnored(t *testing.T) {
	h := newHarness(t)
	h.device(func(msg *model.DeviceMessage) []model.DeviceStatus {
		if msg.MessageType == model.MessageUpdatePrepare {
			return []model.DeviceStatus{model.DeviceReady}
		}
		return nil
	})

	s, err := h.orch.StartFirmware(context.Background(), esp32(), "fw-2", model.UpdateOptions{})
	require.NoError(t, err)
	h.waitStatus(s.ID, model.StatusTransferring)

	h.report(model.DeviceChunkReceived, map[string]any{"chunkId": 2})
	h.report(model.DeviceChunkReceived, map[string]any{"chunkId": 0})

	assert.Eventually(t, func() bool {
		got, _ := h.sessions.Get(context.Background(), s.ID)
		return got.AcknowledgedChunks == 1 && got.SentChunks == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDeviceFailureIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.ch.OnSend(func(msg *model.DeviceMessage) error {
		switch msg.MessageType {
		case model.MessageUpdatePrepare:
			h.report(model.DeviceReady, nil)
		case model.MessageUpdateChunk:
			h.report(model.DeviceUpdateFailed, map[string]any{"error": "flash write error"})
		}
		return nil
	})

	s, err := h.orch.StartFirmware(context.Background(), esp32(), "fw-2", model.UpdateOptions{})
	require.NoError(t, err)

	failed := h.waitStatus(s.ID, model.StatusFailed)
	assert.Equal(t, "flash write error", failed.Error)
	events := h.waitEvents(bus.TopicUpdateFailed, 1)
	assert.Equal(t, "flash write error", events[0].Error)

	assert.Never(t, func() bool { return len(h.updateEvents(bus.TopicUpdateFailed)) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Empty(t, h.updateEvents(bus.TopicUpdateError))
}

func TestValidationFailureIsRecordedOnce(t *testing.T) {
	h := newHarness(t)
	h.ch.OnSend(func(msg *model.DeviceMessage) error {
		switch msg.MessageType {
		case model.MessageUpdatePrepare:
			h.report(model.DeviceReady, nil)
		case model.MessageUpdateChunk:
			h.report(model.DeviceChunkReceived, map[string]any{"chunkId": msg.Payload["chunkIndex"]})
		case model.MessageUpdateFinalize:
			h.report(model.DeviceUpdateFailed, map[string]any{"error": "checksum mismatch"})
		}
		return nil
	})

	s, err := h.orch.StartFirmware(context.Background(), esp32(), "fw-2", model.UpdateOptions{})
	require.NoError(t, err)

	failed := h.waitStatus(s.ID, model.StatusFailed)
	assert.Equal(t, "checksum mismatch", failed.Error)
	events := h.waitEvents(bus.TopicUpdateFailed, 1)
	assert.Equal(t, "checksum mismatch", events[0].Error)

	sent := h.ch.Sent()
	assert.Equal(t, model.MessageUpdateFinalize, sent[len(sent)-1].MessageType)
	assert.Never(t, func() bool { return len(h.updateEvents(bus.TopicUpdateFailed)) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Empty(t, h.updateEvents(bus.TopicUpdateError))
}

func TestChunkSendFailureFailsSession(t *testing.T) {
	h := newHarness(t)
	h.ch.OnSend(func(msg *model.DeviceMessage) error {
		switch msg.MessageType {
		case model.MessageUpdatePrepare:
			h.report(model.DeviceReady, nil)
		case model.MessageUpdateChunk:
			return errors.New("link down")
		}
		return nil
	})

	s, err := h.orch.StartFirmware(context.Background(), esp32(), "fw-2", model.UpdateOptions{})
	require.NoError(t, err)

	failed := h.waitStatus(s.ID, model.StatusFailed)
	assert.Contains(t, failed.Error, "failed to send chunk 0")
	assert.Contains(t, failed.Error, "link down")
}

func TestUnhealthyDeviceRollsBack(t *testing.T) {
	h := newHarness(t)
	h.device(cooperativeDevice)
	h.healthChecker(false, "sensor readings missing")

	s, err := h.orch.StartFirmware(context.Background(), esp32(), "fw-2", model.UpdateOptions{})
	require.NoError(t, err)

	done := h.waitStatus(s.ID, model.StatusRolledBack)
	assert.Equal(t, "sensor readings missing", done.Error)

	rollback := h.ch.Sent()[len(h.ch.Sent())-1]
	assert.Equal(t, model.MessageUpdateRollback, rollback.MessageType)
	assert.Equal(t, "rollback_"+s.ID, rollback.MessageID)
	assert.Equal(t, model.PriorityCritical, rollback.Priority)
	assert.Equal(t, 5*time.Minute, rollback.TTL)

	h.waitEvents(bus.TopicUpdateVerificationFailed, 1)
	h.waitEvents(bus.TopicUpdateRolledBack, 1)
	assert.Empty(t, h.updateEvents(bus.TopicUpdateCompleted))
}

func TestHealthCheckTimeoutRollsBack(t *testing.T) {
	h := newHarness(t)
	h.device(cooperativeDevice)

	s, err := h.orch.StartFirmware(context.Background(), esp32(), "fw-2", model.UpdateOptions{})
	require.NoError(t, err)

	h.waitArmed(s.ID, model.StatusVerifying)
	h.clock.Step(h.opts.HealthTimeout)

	done := h.waitStatus(s.ID, model.StatusRolledBack)
	assert.Equal(t, "timeout waiting for health check result", done.Error)
}

func TestDevicePassedVerification(t *testing.T) {
	h := newHarness(t)
	h.device(func(msg *model.DeviceMessage) []model.DeviceStatus {
		out := cooperativeDevice(msg)
		if msg.MessageType == model.MessageUpdateFinalize {
			out = append(out, model.DeviceVerificationPassed)
		}
		return out
	})

	s, err := h.orch.StartFirmware(context.Background(), esp32(), "fw-2", model.UpdateOptions{})
	require.NoError(t, err)
	h.waitStatus(s.ID, model.StatusCompleted)
}

func TestUnconfirmedRollbackIsCritical(t *testing.T) {
	h := newHarness(t)
	h.device(func(msg *model.DeviceMessage) []model.DeviceStatus {
		if msg.MessageType == model.MessageUpdateRollback {
			return nil
		}
		return cooperativeDevice(msg)
	})
	h.healthChecker(false, "")

	s, err := h.orch.StartFirmware(context.Background(), esp32(), "fw-2", model.UpdateOptions{UpdateTimeout: time.Minute})
	require.NoError(t, err)

	h.waitArmed(s.ID, model.StatusRollingBack)
	h.clock.Step(time.Minute)

	done := h.waitStatus(s.ID, model.StatusCriticalFailure)
	assert.Equal(t, "timeout waiting for device to confirm rollback", done.Error)
}

func TestFailureDuringRollbackIsCritical(t *testing.T) {
	h := newHarness(t)
	h.device(func(msg *model.DeviceMessage) []model.DeviceStatus {
		if msg.MessageType == model.MessageUpdateRollback {
			return []model.DeviceStatus{model.DeviceUpdateFailed}
		}
		return cooperativeDevice(msg)
	})
	h.healthChecker(false, "")

	s, err := h.orch.StartFirmware(context.Background(), esp32(), "fw-2", model.UpdateOptions{})
	require.NoError(t, err)

	done := h.waitStatus(s.ID, model.StatusCriticalFailure)
	assert.Contains(t, done.Error, "rollback failed")
}

func TestStageTimeoutFails(t *testing.T) {
	h := newHarness(t)
	h.device(func(msg *model.DeviceMessage) []model.DeviceStatus {
		if msg.MessageType == model.MessageUpdateFinalize {
			return []model.DeviceStatus{model.DeviceValidationComplete}
		}
		return cooperativeDevice(msg)
	})

	s, err := h.orch.StartFirmware(context.Background(), esp32(), "fw-2", model.UpdateOptions{})
	require.NoError(t, err)

	h.waitArmed(s.ID, model.StatusApplying)
	h.clock.Step(h.opts.UpdateTimeout)

	failed := h.waitStatus(s.ID, model.StatusFailed)
	assert.Equal(t, "timeout waiting for device while applying", failed.Error)
}

func TestResumeContinuesTransfer(t *testing.T) {
	h := newHarness(t)
	h.device(cooperativeDevice)
	h.healthChecker(true, "")

	now := h.clock.Now()
	stored := &model.UpdateSession{
		ID:                 "resumed",
		DeviceID:           testDevice,
		Type:               model.UpdateTypeFirmware,
		Status:             model.StatusTransferring,
		SourceID:           "fw-2",
		Version:            "2.0.0",
		TotalSize:          10,
		ChunkSize:          4,
		TotalChunks:        3,
		SentChunks:         2,
		AcknowledgedChunks: 1,
		StartedAt:          now,
		LastActivityAt:     now,
	}
	require.NoError(t, h.sessions.Create(context.Background(), stored))

	require.NoError(t, h.orch.Resume(context.Background()))
	h.waitStatus("resumed", model.StatusCompleted)

	sent := h.ch.Sent()
	require.NotEmpty(t, sent)
	assert.Equal(t, "chunk_resumed_1", sent[0].MessageID)
}

func TestResumeFailsSessionWithoutArtifact(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	require.NoError(t, h.sessions.Create(context.Background(), &model.UpdateSession{
		ID: "orphan", DeviceID: testDevice, Type: model.UpdateTypeFirmware, Status: model.StatusPreparing,
		SourceID: "gone", StartedAt: now,
	}))

	assert.Error(t, h.orch.Resume(context.Background()))
	failed := h.waitStatus("orphan", model.StatusFailed)
	assert.Contains(t, failed.Error, "failed to load update artifact")
}

func TestStatusReportWithoutSessionIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.report(model.DeviceReady, nil)
	h.report(model.DeviceChunkReceived, nil)

	assert.Never(t, func() bool { return len(h.ch.Sent()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestStoppedOrchestratorRejectsStart(t *testing.T) {
	h := newHarness(t)
	h.orch.Stop()

	_, err := h.orch.StartFirmware(context.Background(), esp32(), "fw-2", model.UpdateOptions{})
	assert.ErrorIs(t, err, ErrStopped)
}
