// Package mqtt is the MQTT ingress of the hub. It subscribes to the device
// uplink and presence topics and feeds them to the MQTT channel.
package mqtt

import (
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/autopeer-io/sensorhub/internal/pkg/metrics"
	"github.com/autopeer-io/sensorhub/pkg/log"
	pkgmqtt "github.com/autopeer-io/sensorhub/pkg/mqtt"
	"github.com/autopeer-io/sensorhub/pkg/mqtt/topic"
)

const connectivityProbeInterval = 5 * time.Second

// Ingress consumes device traffic.
type Ingress interface {
	HandleUplink(ctx context.Context, deviceID string, payload []byte) error
	HandlePresence(ctx context.Context, deviceID string, payload []byte) error
}

type handlerFunc func(ctx context.Context, deviceID string, payload []byte) error

// Server implements the MQTT ingress layer.
type Server struct {
	client     pkgmqtt.Client
	topics     *topic.Builder
	shareGroup string
	ingress    Ingress
}

// NewServer creates a new MQTT server (client).
func NewServer(client pkgmqtt.Client, builder *topic.Builder, shareGroup string, ingress Ingress) *Server {
	return &Server{
		client:     client,
		topics:     builder,
		shareGroup: shareGroup,
		ingress:    ingress,
	}
}

// Ready reports an error while the broker connection is down.
func (s *Server) Ready() error {
	if !s.client.IsConnected() {
		return fmt.Errorf("mqtt broker not connected")
	}
	return nil
}

// Start connects to the broker and subscribes to topics.
func (s *Server) Start(ctx context.Context) error {
	// Start the connection manager (non-blocking).
	if err := s.client.Start(ctx); err != nil {
		return err
	}

	// Ensure MQTT disconnects when Start exits.
	defer func() {
		log.Info("Disconnecting MQTT client...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.client.Disconnect(shutdownCtx)
		metrics.BrokerConnectivityStatus.Set(0)
		log.Info("MQTT client disconnected")
	}()

	log.Info("Waiting for MQTT connection...")
	if err := s.client.AwaitConnection(ctx); err != nil {
		return err
	}
	log.Info("MQTT Connected")

	if err := s.initMQTTSubscriptions(ctx); err != nil {
		return err
	}

	wait.UntilWithContext(ctx, s.probeConnectivity, connectivityProbeInterval)
	return nil
}

func (s *Server) probeConnectivity(context.Context) {
	if s.client.IsConnected() {
		metrics.BrokerConnectivityStatus.Set(1)
		return
	}
	metrics.BrokerConnectivityStatus.Set(0)
}

func (s *Server) initMQTTSubscriptions(ctx context.Context) error {
	const qos = 1

	// Uplink traffic is split between replicas. Presence is retained and
	// every replica needs the full picture, so it is not shared.
	subscriptions := map[string]struct {
		builder *topic.Builder
		handler handlerFunc
	}{
		topic.SuffixUplink:   {s.topics.Shared(s.shareGroup), s.ingress.HandleUplink},
		topic.SuffixPresence: {s.topics, s.ingress.HandlePresence},
	}
	if s.shareGroup == "" {
		up := subscriptions[topic.SuffixUplink]
		up.builder = s.topics
		subscriptions[topic.SuffixUplink] = up
	}

	for segment, sub := range subscriptions {
		fullTopic := sub.builder.Wildcard(segment)
		handler := sub.handler
		if err := s.client.Subscribe(ctx, fullTopic, qos, func(c context.Context, t string, p []byte) {
			s.dispatch(c, t, p, handler)
		}); err != nil {
			return fmt.Errorf("failed to subscribe to topic: %s, err: %w", fullTopic, err)
		}
		log.Debug("Subscribed", "topic", fullTopic)
	}

	return nil
}

func (s *Server) dispatch(ctx context.Context, t string, payload []byte, handler handlerFunc) {
	_, deviceID, ok := s.topics.Parse(t)
	if !ok {
		log.Warn("Ignoring message on unexpected topic", "topic", t)
		return
	}
	if err := handler(ctx, deviceID, payload); err != nil {
		log.Error(err, "Handler execution failed", "topic", t)
	}
}
