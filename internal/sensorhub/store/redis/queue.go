// Package redis keeps the message queue in Redis so undelivered messages
// survive a restart.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/autopeer-io/sensorhub/internal/sensorhub/core"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
	"github.com/autopeer-io/sensorhub/pkg/options"
)

var _ core.MessageQueue = (*Queue)(nil)

// Queue stores every message as a JSON string and indexes it in sorted sets:
//
//	{prefix}:queue:msg:{id}        message document
//	{prefix}:queue:seq             insertion counter
//	{prefix}:queue:all             ids scored by insertion order
//	{prefix}:queue:device:{device} ids of one device scored by insertion order
//	{prefix}:queue:pending         QUEUED ids scored by timestamp (ms)
type Queue struct {
	client *redis.Client
	prefix string
}

// NewClient connects to the Redis instance described by opts.
func NewClient(ctx context.Context, opts *options.RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return client, nil
}

// NewQueue returns a Queue writing keys under prefix.
func NewQueue(client *redis.Client, prefix string) *Queue {
	if prefix == "" {
		prefix = "sensorhub"
	}
	return &Queue{client: client, prefix: prefix + ":queue"}
}

func (q *Queue) Enqueue(ctx context.Context, m *model.QueuedMessage) error {
	if m.MessageID == "" {
		return fmt.Errorf("queued message has no id")
	}
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode queued message: %w", err)
	}

	seq, err := q.client.Incr(ctx, q.key("seq")).Result()
	if err != nil {
		return fmt.Errorf("failed to enqueue message %s: %w", m.MessageID, err)
	}
	order := &redis.Z{Score: float64(seq), Member: m.MessageID}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.msgKey(m.MessageID), doc, 0)
		pipe.ZAddNX(ctx, q.key("all"), order)
		pipe.ZAddNX(ctx, q.deviceKey(m.DeviceID), order)
		q.index(ctx, pipe, m)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue message %s: %w", m.MessageID, err)
	}
	return nil
}

func (q *Queue) Update(ctx context.Context, m *model.QueuedMessage) error {
	n, err := q.client.Exists(ctx, q.msgKey(m.MessageID)).Result()
	if err != nil {
		return fmt.Errorf("failed to update message %s: %w", m.MessageID, err)
	}
	if n == 0 {
		return core.ErrNotFound
	}

	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode queued message: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.msgKey(m.MessageID), doc, 0)
		q.index(ctx, pipe, m)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update message %s: %w", m.MessageID, err)
	}
	return nil
}

func (q *Queue) Get(ctx context.Context, id string) (*model.QueuedMessage, error) {
	doc, err := q.client.Get(ctx, q.msgKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read message %s: %w", id, err)
	}
	return decode(doc)
}

func (q *Queue) Pending(ctx context.Context, limit int) ([]*model.QueuedMessage, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := q.client.ZRangeByScore(ctx, q.key("pending"), by).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending messages: %w", err)
	}
	return q.load(ctx, ids)
}

func (q *Queue) List(ctx context.Context, deviceID string) ([]*model.QueuedMessage, error) {
	key := q.key("all")
	if deviceID != "" {
		key = q.deviceKey(deviceID)
	}
	ids, err := q.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return q.load(ctx, ids)
}

// index keeps the pending set in step with the message status.
func (q *Queue) index(ctx context.Context, pipe redis.Pipeliner, m *model.QueuedMessage) {
	if m.Status == model.QueueStatusQueued {
		pipe.ZAdd(ctx, q.key("pending"), &redis.Z{Score: float64(m.Timestamp.UnixMilli()), Member: m.MessageID})
		return
	}
	pipe.ZRem(ctx, q.key("pending"), m.MessageID)
}

func (q *Queue) load(ctx context.Context, ids []string) ([]*model.QueuedMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = q.msgKey(id)
	}
	docs, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	out := make([]*model.QueuedMessage, 0, len(docs))
	for _, d := range docs {
		s, ok := d.(string)
		if !ok {
			continue
		}
		m, err := decode([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (q *Queue) key(name string) string         { return q.prefix + ":" + name }
func (q *Queue) msgKey(id string) string        { return q.prefix + ":msg:" + id }
func (q *Queue) deviceKey(device string) string { return q.prefix + ":device:" + device }

func decode(doc []byte) (*model.QueuedMessage, error) {
	m := &model.QueuedMessage{}
	if err := json.Unmarshal(doc, m); err != nil {
		return nil, fmt.Errorf("failed to decode queued message: %w", err)
	}
	return m, nil
}
