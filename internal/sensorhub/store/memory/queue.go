package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/autopeer-io/sensorhub/internal/sensorhub/core"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
)

var _ core.MessageQueue = (*Queue)(nil)

// Queue is an in-memory message queue preserving insertion order.
type Queue struct {
	mu    sync.Mutex
	items map[string]*model.QueuedMessage
	order []string
}

func NewQueue() *Queue {
	return &Queue{items: make(map[string]*model.QueuedMessage)}
}

func (q *Queue) Enqueue(_ context.Context, m *model.QueuedMessage) error {
	if m.MessageID == "" {
		return fmt.Errorf("queued message has no id")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.items[m.MessageID]; !exists {
		q.order = append(q.order, m.MessageID)
	}
	q.items[m.MessageID] = clone(m)
	return nil
}

func (q *Queue) Update(_ context.Context, m *model.QueuedMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[m.MessageID]; !ok {
		return core.ErrNotFound
	}
	q.items[m.MessageID] = clone(m)
	return nil
}

func (q *Queue) Get(_ context.Context, id string) (*model.QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.items[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return clone(m), nil
}

func (q *Queue) Pending(_ context.Context, limit int) ([]*model.QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*model.QueuedMessage
	for _, id := range q.order {
		if m := q.items[id]; m.Status == model.QueueStatusQueued {
			out = append(out, clone(m))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *Queue) List(_ context.Context, deviceID string) ([]*model.QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*model.QueuedMessage
	for _, id := range q.order {
		if m := q.items[id]; deviceID == "" || m.DeviceID == deviceID {
			out = append(out, clone(m))
		}
	}
	return out, nil
}

func clone(m *model.QueuedMessage) *model.QueuedMessage {
	c := *m
	if m.LastRetryAt != nil {
		t := *m.LastRetryAt
		c.LastRetryAt = &t
	}
	if m.Payload != nil {
		c.Payload = make(map[string]any, len(m.Payload))
		for k, v := range m.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}
