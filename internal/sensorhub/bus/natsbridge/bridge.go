// Package natsbridge mirrors selected bus topics to NATS subjects and feeds
// replies from out-of-process collaborators back onto the bus.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/autopeer-io/sensorhub/internal/sensorhub/bus"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
	"github.com/autopeer-io/sensorhub/pkg/log"
	"github.com/autopeer-io/sensorhub/pkg/options"
)

// ExportedTopics are published to NATS for external monitoring and collaborators.
var ExportedTopics = []bus.Topic{
	bus.TopicDeviceInfoRequested,
	bus.TopicHealthCheckRequested,
	bus.TopicUpdateInitiated,
	bus.TopicUpdateProgress,
	bus.TopicUpdateCompleted,
	bus.TopicUpdateFailed,
	bus.TopicUpdateError,
	bus.TopicUpdateVerificationFailed,
	bus.TopicUpdateRolledBack,
	bus.TopicUpdateStatusChanged,
	bus.TopicMessageSent,
	bus.TopicMessageQueued,
	bus.TopicMessageExpired,
	bus.TopicChannelError,
	bus.TopicDeviceConnected,
	bus.TopicConnectionError,
}

// ImportedTopics are answered by collaborators running outside the hub.
var ImportedTopics = []bus.Topic{
	bus.TopicDeviceInfoResponse,
	bus.TopicHealthCheckCompleted,
}

// envelope is the JSON body of every bridged NATS message.
type envelope struct {
	Topic         bus.Topic       `json:"topic"`
	DeviceID      string          `json:"deviceId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Origin        string          `json:"origin"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Bridge connects the in-process bus to NATS.
type Bridge struct {
	conn   *nats.Conn
	bus    bus.Bus
	prefix string
	origin string
	log    log.Logger

	mu      sync.Mutex
	busSubs []bus.Subscription
	natSubs []*nats.Subscription
}

// Connect dials NATS with the given options.
func Connect(opts *options.NatsOptions) (*nats.Conn, error) {
	conn, err := nats.Connect(opts.URL,
		nats.Name("sensorhub"),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return conn, nil
}

// New creates a Bridge publishing under subjects "{prefix}.{topic}".
func New(conn *nats.Conn, b bus.Bus, prefix string) *Bridge {
	return &Bridge{
		conn:   conn,
		bus:    b,
		prefix: strings.TrimSuffix(prefix, "."),
		origin: uuid.NewString(),
		log:    log.WithName("natsbridge"),
	}
}

// Subject returns the NATS subject of a topic.
func (br *Bridge) Subject(t bus.Topic) string {
	return br.prefix + "." + string(t)
}

// Export forwards every event of the topics to NATS.
func (br *Bridge) Export(topics ...bus.Topic) {
	br.mu.Lock()
	defer br.mu.Unlock()

	for _, t := range topics {
		br.busSubs = append(br.busSubs, br.bus.Subscribe(t, br.forward))
	}
}

// Import republishes NATS messages of the topics on the bus. Messages this
// bridge exported itself are ignored.
func (br *Bridge) Import(topics ...bus.Topic) error {
	br.mu.Lock()
	defer br.mu.Unlock()

	for _, t := range topics {
		sub, err := br.conn.Subscribe(br.Subject(t), br.receive)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", br.Subject(t), err)
		}
		br.natSubs = append(br.natSubs, sub)
	}
	return nil
}

// Start blocks until ctx is done, then detaches from the bus and drains NATS.
func (br *Bridge) Start(ctx context.Context) error {
	br.log.Info("NATS bridge running", "prefix", br.prefix)
	<-ctx.Done()

	br.mu.Lock()
	for _, s := range br.busSubs {
		s.Unsubscribe()
	}
	for _, s := range br.natSubs {
		_ = s.Unsubscribe()
	}
	br.busSubs, br.natSubs = nil, nil
	br.mu.Unlock()

	if err := br.conn.Drain(); err != nil {
		br.log.Error(err, "Failed to drain NATS connection")
	}
	return nil
}

func (br *Bridge) forward(_ context.Context, e bus.Event) {
	data, err := encode(e, br.origin)
	if err != nil {
		br.log.Error(err, "Failed to encode event", "topic", e.Topic)
		return
	}
	if err := br.conn.Publish(br.Subject(e.Topic), data); err != nil {
		br.log.Error(err, "Failed to publish event to NATS", "topic", e.Topic)
	}
}

func (br *Bridge) receive(m *nats.Msg) {
	e, origin, err := decode(m.Data)
	if err != nil {
		br.log.Warn("Dropping malformed NATS message", "subject", m.Subject, "error", err.Error())
		return
	}
	if origin == br.origin {
		return
	}
	if err := br.bus.Publish(context.Background(), e); err != nil {
		br.log.Error(err, "Failed to republish NATS message", "topic", e.Topic)
	}
}

func encode(e bus.Event, origin string) ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		Topic:         e.Topic,
		DeviceID:      e.DeviceID,
		CorrelationID: e.CorrelationID,
		OccurredAt:    e.OccurredAt,
		Origin:        origin,
		Payload:       payload,
	})
}

func decode(data []byte) (bus.Event, string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return bus.Event{}, "", err
	}
	if env.Topic == "" {
		return bus.Event{}, "", bus.ErrEmptyTopic
	}

	payload, err := decodePayload(env.Topic, env.Payload)
	if err != nil {
		return bus.Event{}, "", fmt.Errorf("payload of %s: %w", env.Topic, err)
	}

	return bus.Event{
		Topic:         env.Topic,
		DeviceID:      env.DeviceID,
		CorrelationID: env.CorrelationID,
		OccurredAt:    env.OccurredAt,
		Payload:       payload,
	}, env.Origin, nil
}

// decodePayload restores the payload type each topic carries in-process.
func decodePayload(t bus.Topic, raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	switch t {
	case bus.TopicDeviceMessage:
		return decodeAs[model.DeviceMessage](raw, true)
	case bus.TopicDeviceInfoResponse:
		return decodeAs[model.DeviceProfile](raw, true)
	case bus.TopicDeviceInfoRequested:
		return decodeAs[model.DeviceInfoRequest](raw, false)
	case bus.TopicHealthCheckRequested:
		return decodeAs[model.HealthCheckRequest](raw, false)
	case bus.TopicHealthCheckCompleted:
		return decodeAs[model.HealthCheckResult](raw, false)
	}

	switch {
	case strings.HasPrefix(string(t), "update."):
		return decodeAs[model.UpdateEvent](raw, false)
	case strings.HasPrefix(string(t), "message."), t == bus.TopicChannelError,
		t == bus.TopicDeviceConnected, t == bus.TopicConnectionError:
		return decodeAs[model.MessageEvent](raw, false)
	}

	return nil, fmt.Errorf("unknown topic %q", t)
}

func decodeAs[T any](raw json.RawMessage, pointer bool) (any, error) {
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, err
	}
	if pointer {
		return v, nil
	}
	return *v, nil
}
