package ota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/sensorhub/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/sensorhub/internal/pkg/util/fsm"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/bus"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
	"github.com/autopeer-io/sensorhub/pkg/log"
)

const (
	// stepMessageTTL bounds delivery of prepare, chunk and finalize messages.
	stepMessageTTL = 60 * time.Second
	// rollbackMessageTTL bounds delivery of a rollback request.
	rollbackMessageTTL = 5 * time.Minute
)

type healthOutcome struct {
	result model.HealthCheckResult
	err    error
}

// runner drives one session. All session state is owned by the runner
// goroutine; other goroutines only push reports into its inbox.
type runner struct {
	o       *Orchestrator
	session *model.UpdateSession
	data    []byte
	fsm     *sessionFSM
	inbox   *mailbox
	health  chan healthOutcome
	log     log.Logger

	timer        clock.Timer
	cancelHealth context.CancelFunc
}

func newRunner(o *Orchestrator, s *model.UpdateSession, data []byte) *runner {
	r := &runner{
		o:       o,
		session: s,
		data:    data,
		inbox:   newMailbox(),
		health:  make(chan healthOutcome, 1),
		log:     o.log.WithValues("sessionID", s.ID, "deviceID", s.DeviceID),
	}
	r.fsm = newSessionFSM(s, r.onTransition)
	return r
}

// deliver queues a status report for the runner.
func (r *runner) deliver(rep *model.StatusReport) {
	r.inbox.push(rep)
}

func (r *runner) run(ctx context.Context) {
	defer r.stopTimer()
	defer r.stopHealthCheck()
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("update runner panicked: %v", p)
			r.log.Error(err, "Recovered from panic")
			r.failInternal(context.WithoutCancel(ctx), err.Error())
		}
	}()

	r.resume(ctx)

	for !r.session.Status.Terminal() {
		select {
		case <-ctx.Done():
			return
		case <-r.inbox.signal:
			for _, rep := range r.inbox.drain() {
				if r.session.Status.Terminal() {
					break
				}
				r.handle(ctx, rep)
			}
		case <-r.timerC():
			r.timer = nil
			r.onTimeout(ctx)
		case out := <-r.health:
			r.onHealth(ctx, out)
		}
	}
}

// resume performs the outbound step that belongs to the current state, so a
// session reloaded from the store continues where it stopped.
func (r *runner) resume(ctx context.Context) {
	switch r.session.Status {
	case model.StatusInitiated:
		if r.fire(ctx, EventPrepare) {
			r.sendPrepare(ctx)
		}
	case model.StatusPreparing:
		r.sendPrepare(ctx)
	case model.StatusTransferring:
		r.transferNext(ctx)
	case model.StatusValidating:
		r.sendFinalize(ctx)
	case model.StatusApplying, model.StatusRestarting:
		r.arm(r.updateTimeout())
	case model.StatusVerifying:
		r.startVerification(ctx)
	case model.StatusRollingBack:
		r.sendRollback(ctx)
	}
}

func (r *runner) handle(ctx context.Context, rep *model.StatusReport) {
	if rep.Status == model.DeviceUpdateFailed {
		r.onDeviceFailure(ctx, rep)
		return
	}

	switch {
	case r.session.Status == model.StatusPreparing && rep.Status == model.DeviceReady:
		r.stopTimer()
		if r.fire(ctx, EventTransfer) {
			r.transferNext(ctx)
		}
	case r.session.Status == model.StatusTransferring && rep.Status == model.DeviceChunkReceived:
		r.onChunkAck(ctx, rep.ChunkID)
	case r.session.Status == model.StatusValidating && rep.Status == model.DeviceValidationComplete:
		r.stopTimer()
		if r.fire(ctx, EventApply) {
			r.arm(r.updateTimeout())
		}
	case r.session.Status == model.StatusApplying && rep.Status == model.DeviceUpdateApplied:
		r.stopTimer()
		if r.fire(ctx, EventRestart) {
			r.arm(r.updateTimeout())
		}
	case r.session.Status == model.StatusRestarting && rep.Status == model.DeviceRestartComplete:
		r.stopTimer()
		if r.fire(ctx, EventVerify) {
			r.startVerification(ctx)
		}
	case r.session.Status == model.StatusVerifying && rep.Status == model.DeviceVerificationPassed:
		r.complete(ctx)
	case r.session.Status == model.StatusRollingBack && rep.Status == model.DeviceRollbackComplete:
		r.stopTimer()
		if r.fire(ctx, EventRolledBack) {
			r.publish(ctx, bus.TopicUpdateRolledBack, r.event())
		}
	default:
		r.log.Debug("Ignoring status report", "status", rep.Status, "state", r.session.Status)
	}
}

func (r *runner) sendPrepare(ctx context.Context) {
	s := r.session
	res := r.send(ctx, model.MessageUpdatePrepare, "prepare_"+s.ID, model.PriorityHigh, stepMessageTTL, map[string]any{
		"updateId":    s.ID,
		"updateType":  string(s.Type),
		"version":     s.Version,
		"totalSize":   s.TotalSize,
		"chunkSize":   s.ChunkSize,
		"totalChunks": s.TotalChunks,
		"checksum":    s.Checksum,
		"forceUpdate": s.Options.ForceUpdate,
	})
	if !res.Success && !res.PendingDelivery {
		r.failInternal(ctx, "failed to send prepare request: "+res.Error)
		return
	}
	r.arm(r.o.opts.PrepareTimeout)
}

// transferNext sends the first unacknowledged chunk, or finalizes once every
// chunk was acknowledged.
func (r *runner) transferNext(ctx context.Context) {
	if r.session.AcknowledgedChunks >= r.session.TotalChunks {
		if r.fire(ctx, EventValidate) {
			r.sendFinalize(ctx)
		}
		return
	}
	r.sendChunk(ctx, r.session.AcknowledgedChunks)
}

func (r *runner) sendChunk(ctx context.Context, i int) {
	s := r.session
	b := chunk(r.data, s.ChunkSize, i)
	res := r.send(ctx, model.MessageUpdateChunk, fmt.Sprintf("chunk_%s_%d", s.ID, i), model.PriorityHigh, stepMessageTTL, map[string]any{
		"updateId":    s.ID,
		"chunkIndex":  i,
		"totalChunks": s.TotalChunks,
		"data":        encodeChunk(b),
		"checksum":    chunkChecksum(b),
	})
	if !res.Success {
		r.failInternal(ctx, fmt.Sprintf("failed to send chunk %d: %s", i, res.Error))
		return
	}

	metrics.UpdateChunksSentTotal.Inc()
	s.SentChunks = max(s.SentChunks, i+1)
	s.LastActivityAt = r.o.clock.Now()
	r.persist(ctx)
	r.arm(r.o.opts.ChunkAckTimeout)
}

func (r *runner) onChunkAck(ctx context.Context, id int) {
	s := r.session
	if id != s.AcknowledgedChunks {
		r.log.Debug("Ignoring unexpected chunk acknowledgement", "chunkID", id, "expected", s.AcknowledgedChunks)
		return
	}

	r.stopTimer()
	s.AcknowledgedChunks = id + 1
	s.LastActivityAt = r.o.clock.Now()
	r.persist(ctx)

	e := r.event()
	e.ChunkID = id
	r.publish(ctx, bus.TopicUpdateProgress, e)

	r.transferNext(ctx)
}

func (r *runner) sendFinalize(ctx context.Context) {
	s := r.session
	res := r.send(ctx, model.MessageUpdateFinalize, "finalize_"+s.ID, model.PriorityHigh, stepMessageTTL, map[string]any{
		"updateId": s.ID,
		"checksum": s.Checksum,
	})
	if !res.Success && !res.PendingDelivery {
		r.failInternal(ctx, "failed to send finalize request: "+res.Error)
		return
	}
	r.arm(r.updateTimeout())
}

func (r *runner) startVerification(ctx context.Context) {
	s := r.session
	if s.Options.SkipVerification {
		r.complete(ctx)
		return
	}

	hctx, cancel := context.WithCancel(ctx)
	r.cancelHealth = cancel
	req := bus.Event{
		DeviceID: s.DeviceID,
		Payload:  model.HealthCheckRequest{DeviceID: s.DeviceID, SessionID: s.ID},
	}

	go func() {
		resp, err := r.o.health.Request(hctx, req, r.o.opts.HealthTimeout)
		out := healthOutcome{err: err}
		if err == nil {
			res, ok := resp.Payload.(model.HealthCheckResult)
			if !ok {
				out.err = fmt.Errorf("malformed health check result %T", resp.Payload)
			}
			out.result = res
		}
		select {
		case r.health <- out:
		case <-hctx.Done():
		}
	}()
}

func (r *runner) onHealth(ctx context.Context, out healthOutcome) {
	r.stopHealthCheck()
	if r.session.Status != model.StatusVerifying {
		return
	}

	switch {
	case errors.Is(out.err, bus.ErrTimeout):
		r.rollback(ctx, "timeout waiting for health check result")
	case out.err != nil:
		r.rollback(ctx, "health check failed: "+out.err.Error())
	case out.result.Healthy:
		r.complete(ctx)
	default:
		reason := out.result.Reason
		if reason == "" {
			reason = "device reported unhealthy after update"
		}
		r.rollback(ctx, reason)
	}
}

func (r *runner) complete(ctx context.Context) {
	r.stopHealthCheck()
	if !r.fire(ctx, EventComplete) {
		return
	}

	s := r.session
	e := r.event()
	e.Duration = s.CompletedAt.Sub(s.StartedAt)
	if s.Type == model.UpdateTypeFirmware {
		e.NewFirmwareVersion = s.Version
	}
	r.publish(ctx, bus.TopicUpdateCompleted, e)
}

func (r *runner) rollback(ctx context.Context, reason string) {
	r.session.Error = reason
	if !r.fire(ctx, EventRollback, reason) {
		return
	}

	e := r.event()
	e.Error = reason
	r.publish(ctx, bus.TopicUpdateVerificationFailed, e)
	r.sendRollback(ctx)
}

func (r *runner) sendRollback(ctx context.Context) {
	s := r.session
	res := r.send(ctx, model.MessageUpdateRollback, "rollback_"+s.ID, model.PriorityCritical, rollbackMessageTTL, map[string]any{
		"updateId": s.ID,
		"reason":   s.Error,
	})
	if !res.Success && !res.PendingDelivery {
		r.abort(ctx, "failed to send rollback request: "+res.Error)
		return
	}
	r.arm(r.updateTimeout())
}

func (r *runner) onDeviceFailure(ctx context.Context, rep *model.StatusReport) {
	reason := rep.Error
	if reason == "" {
		reason = rep.Message
	}
	if reason == "" {
		reason = "device reported update failure"
	}

	if r.session.Status == model.StatusRollingBack {
		r.abort(ctx, "rollback failed: "+reason)
		return
	}

	r.stopTimer()
	if !r.fire(ctx, EventFail, reason) {
		return
	}
	e := r.event()
	e.Error = reason
	r.publish(ctx, bus.TopicUpdateFailed, e)
}

func (r *runner) onTimeout(ctx context.Context) {
	switch r.session.Status {
	case model.StatusPreparing:
		r.failInternal(ctx, "timeout waiting for device to prepare for update")
	case model.StatusTransferring:
		r.failInternal(ctx, fmt.Sprintf("timeout waiting for acknowledgement of chunk %d", r.session.AcknowledgedChunks))
	case model.StatusRollingBack:
		r.abort(ctx, "timeout waiting for device to confirm rollback")
	default:
		r.failInternal(ctx, "timeout waiting for device while "+strings.ToLower(string(r.session.Status)))
	}
}

// failInternal ends the session after an error on the hub side.
func (r *runner) failInternal(ctx context.Context, reason string) {
	if r.session.Status.Terminal() {
		return
	}
	if r.session.Status == model.StatusRollingBack {
		r.abort(ctx, reason)
		return
	}

	r.stopTimer()
	r.log.Warn("Update failed", "reason", reason)
	if err := r.fsm.Fire(ctx, EventFail, reason); err != nil {
		r.force(ctx, model.StatusFailed, reason, err)
	}
	e := r.event()
	e.Error = reason
	r.publish(ctx, bus.TopicUpdateError, e)
}

// abort ends a rollback that cannot be confirmed.
func (r *runner) abort(ctx context.Context, reason string) {
	r.stopTimer()
	r.log.Warn("Rollback not confirmed", "reason", reason)
	if err := r.fsm.Fire(ctx, EventAbort, reason); err != nil {
		r.force(ctx, model.StatusCriticalFailure, reason, err)
	}
	e := r.event()
	e.Error = reason
	r.publish(ctx, bus.TopicUpdateError, e)
}

// fire applies event and fails the session when the transition is rejected.
func (r *runner) fire(ctx context.Context, event string, reason ...string) bool {
	if err := r.fsm.Fire(ctx, event, reason...); err != nil {
		if !fsmutil.IsRejected(err) {
			// Applied, but a state callback reported a problem.
			r.log.Error(err, "Session transition callback failed")
			return true
		}
		r.log.Error(err, "Rejected session transition")
		r.failInternal(ctx, err.Error())
		return false
	}
	return true
}

// force records a terminal status the transition table refused.
func (r *runner) force(ctx context.Context, status model.SessionStatus, reason string, cause error) {
	r.log.Error(cause, "Forcing terminal session status", "status", status)
	prev := r.session.Status
	r.session.Error = reason
	r.session.Status = status
	r.onTransition(ctx, Transition{From: prev, To: status, Reason: reason})
}

func (r *runner) onTransition(ctx context.Context, t Transition) {
	s := r.session
	now := r.o.clock.Now()
	s.LastActivityAt = now
	if t.To.Terminal() {
		s.CompletedAt = &now
		metrics.UpdateDuration.WithLabelValues(string(s.Type), string(t.To)).Observe(now.Sub(s.StartedAt).Seconds())
	}
	metrics.UpdateTransitionsTotal.WithLabelValues(string(s.Type), string(t.To)).Inc()
	r.persist(ctx)

	r.log.Info("Update session transitioned", "from", t.From, "to", t.To)
	e := r.event()
	e.PreviousStatus = t.From
	e.Error = t.Reason
	r.publish(ctx, bus.TopicUpdateStatusChanged, e)
}

func (r *runner) send(ctx context.Context, typ model.MessageType, id string, p model.Priority, ttl time.Duration, payload map[string]any) model.SendResult {
	return r.o.router.Send(ctx, &model.DeviceMessage{
		MessageID:   id,
		DeviceID:    r.session.DeviceID,
		MessageType: typ,
		Payload:     payload,
		Priority:    p,
		Timestamp:   r.o.clock.Now(),
		TTL:         ttl,
	})
}

func (r *runner) persist(ctx context.Context) {
	if err := r.o.sessions.Update(ctx, r.session); err != nil {
		r.log.Error(err, "Failed to persist session", "status", r.session.Status)
	}
}

func (r *runner) event() model.UpdateEvent {
	s := r.session
	return model.UpdateEvent{
		SessionID: s.ID,
		DeviceID:  s.DeviceID,
		Type:      s.Type,
		Status:    s.Status,
		Version:   s.Version,
		Progress:  s.Progress(),
	}
}

func (r *runner) publish(ctx context.Context, topic bus.Topic, e model.UpdateEvent) {
	err := r.o.bus.Publish(ctx, bus.Event{Topic: topic, DeviceID: e.DeviceID, Payload: e})
	if err != nil {
		r.log.Debug("Failed to publish update event", "topic", topic, "error", err)
	}
}

func (r *runner) updateTimeout() time.Duration {
	if d := r.session.Options.UpdateTimeout; d > 0 {
		return d
	}
	return r.o.opts.UpdateTimeout
}

func (r *runner) arm(d time.Duration) {
	r.stopTimer()
	r.timer = r.o.clock.NewTimer(d)
}

func (r *runner) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// timerC returns the deadline channel, or nil when no wait is armed.
func (r *runner) timerC() <-chan time.Time {
	if r.timer == nil {
		return nil
	}
	return r.timer.C()
}

func (r *runner) stopHealthCheck() {
	if r.cancelHealth != nil {
		r.cancelHealth()
		r.cancelHealth = nil
	}
}

// mailbox is an unbounded FIFO of status reports.
type mailbox struct {
	mu     sync.Mutex
	items  []*model.StatusReport
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) push(rep *model.StatusReport) {
	m.mu.Lock()
	m.items = append(m.items, rep)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []*model.StatusReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}
