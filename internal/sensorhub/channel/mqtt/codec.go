package mqtt

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
)

// Codec converts device messages to and from MQTT payloads.
type Codec interface {
	Name() string
	Marshal(msg *model.DeviceMessage) ([]byte, error)
	Unmarshal(data []byte) (*model.DeviceMessage, error)
}

// NewCodec returns the codec registered under name: "json" or "cbor".
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return jsonCodec{}, nil
	case "cbor":
		return newCBORCodec()
	}
	return nil, fmt.Errorf("unknown payload encoding %q", name)
}

// wireMessage is the device-facing layout. TTL travels in whole seconds.
type wireMessage struct {
	MessageID   string            `json:"messageId"`
	DeviceID    string            `json:"deviceId"`
	MessageType model.MessageType `json:"messageType"`
	Payload     map[string]any    `json:"payload,omitempty"`
	Priority    model.Priority    `json:"priority,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	TTL         int64             `json:"ttl,omitempty"`
}

func toWire(msg *model.DeviceMessage) *wireMessage {
	return &wireMessage{
		MessageID:   msg.MessageID,
		DeviceID:    msg.DeviceID,
		MessageType: msg.MessageType,
		Payload:     msg.Payload,
		Priority:    msg.Priority,
		Timestamp:   msg.Timestamp,
		TTL:         int64(msg.TTL / time.Second),
	}
}

func fromWire(w *wireMessage) *model.DeviceMessage {
	return &model.DeviceMessage{
		MessageID:   w.MessageID,
		DeviceID:    w.DeviceID,
		MessageType: w.MessageType,
		Payload:     w.Payload,
		Priority:    w.Priority,
		Timestamp:   w.Timestamp,
		TTL:         time.Duration(w.TTL) * time.Second,
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(msg *model.DeviceMessage) ([]byte, error) {
	return json.Marshal(toWire(msg))
}

func (jsonCodec) Unmarshal(data []byte) (*model.DeviceMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("json decode failed: %w", err)
	}
	return fromWire(&w), nil
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() (*cborCodec, error) {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		return nil, err
	}
	return &cborCodec{enc: enc, dec: dec}, nil
}

func (c *cborCodec) Name() string { return "cbor" }

func (c *cborCodec) Marshal(msg *model.DeviceMessage) ([]byte, error) {
	return c.enc.Marshal(toWire(msg))
}

func (c *cborCodec) Unmarshal(data []byte) (*model.DeviceMessage, error) {
	var w wireMessage
	if err := c.dec.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("cbor decode failed: %w", err)
	}
	return fromWire(&w), nil
}
