// Package sensorhub assembles the device communication router, the update
// manager and their adapters into one runnable hub.
package sensorhub

import (
	"context"
	"fmt"
	"io"
	"os"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/sensorhub/internal/sensorhub/bus"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/bus/natsbridge"
	mqttchannel "github.com/autopeer-io/sensorhub/internal/sensorhub/channel/mqtt"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/comm"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/directory"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/health"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/ota"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/server"
	grpcserver "github.com/autopeer-io/sensorhub/internal/sensorhub/server/grpc"
	httpserver "github.com/autopeer-io/sensorhub/internal/sensorhub/server/http"
	mqttserver "github.com/autopeer-io/sensorhub/internal/sensorhub/server/mqtt"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/storage"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/store/memory"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/store/postgres"
	redisstore "github.com/autopeer-io/sensorhub/internal/sensorhub/store/redis"
	"github.com/autopeer-io/sensorhub/pkg/log"
	"github.com/autopeer-io/sensorhub/pkg/mqtt"
	"github.com/autopeer-io/sensorhub/pkg/mqtt/topic"
	"github.com/autopeer-io/sensorhub/pkg/options"
)

// Hub is the assembled process.
type Hub struct {
	bus     *bus.Memory
	updates *ota.Manager
	servers *server.Manager
	closers []io.Closer
}

type catalog interface {
	core.FirmwareCatalog
	core.ConfigurationCatalog
}

// NewHub wires the stores, channels, core services and servers described by cfg.
func (cfg *Config) NewHub(ctx context.Context) (h *Hub, err error) {
	h = &Hub{}
	defer func() {
		if err != nil {
			h.close()
		}
	}()

	clk := clock.RealClock{}
	h.bus = bus.NewMemory(clk)

	// 1. Infrastructure: stores and catalog (Secondary Adapters)
	queue, err := h.newQueue(ctx, cfg.RedisOptions)
	if err != nil {
		return nil, err
	}
	sessions, err := h.newSessionStore(cfg.PostgresOptions)
	if err != nil {
		return nil, err
	}
	artifacts, err := newCatalog(ctx, cfg.S3Options)
	if err != nil {
		return nil, err
	}

	servers := server.NewManager()

	// 2. Collaborators answering on the bus
	var prefs core.PreferenceStore = memory.NewPreferences()
	if cfg.DirectoryOptions.Enabled {
		dir := directory.New(h.bus, cfg.DirectoryOptions)
		prefs = dir
		servers.Add(dir)
	}

	// 3. Communication router and its MQTT channel
	router := comm.NewRouter(h.bus, queue, comm.WithClock(clk), comm.WithPreferences(prefs))

	mqttClient, err := InitializeMQTTClient(cfg.MqttOptions)
	if err != nil {
		return nil, err
	}
	codec, err := mqttchannel.NewCodec(cfg.MqttOptions.Encoding)
	if err != nil {
		return nil, err
	}
	topics := topic.NewBuilder(cfg.MqttOptions.TopicRoot)
	channel := mqttchannel.New(mqttClient, topics, codec, router.Ingest)
	router.RegisterChannel(channel)

	servers.Add(health.NewChecker(h.bus, router))

	// 4. Core Domain Services
	orchestrator := ota.NewOrchestrator(ota.Deps{
		Sessions:       sessions,
		Firmware:       artifacts,
		Configurations: artifacts,
		Router:         router,
		Bus:            h.bus,
		Clock:          clk,
	}, cfg.OTAOptions)
	h.updates = ota.NewManager(orchestrator, h.bus, clk, cfg.OTAOptions)
	servers.Add(orchestrator)
	servers.Add(comm.NewRedeliverer(router, queue, prefs, h.bus, clk, cfg.QueueOptions))

	if cfg.NatsOptions.Enabled {
		bridge, err := newBridge(h.bus, cfg.NatsOptions)
		if err != nil {
			return nil, err
		}
		servers.Add(bridge)
	}

	// 5. Ingress Servers (Primary Adapters)
	mqttSrv := mqttserver.NewServer(mqttClient, topics, cfg.MqttOptions.ShareGroup, channel)
	servers.Add(mqttSrv)
	servers.Add(httpserver.NewServer(cfg.HttpOptions, httpserver.NewAPI(h.updates, router, queue), mqttSrv.Ready))
	servers.Add(grpcserver.NewServer(cfg.GrpcOptions, mqttSrv.Ready))

	h.servers = servers
	return h, nil
}

// Run blocks until ctx is cancelled or a server fails.
func (h *Hub) Run(ctx context.Context) error {
	defer h.close()
	log.Info("Starting sensorhub")
	return h.servers.Start(ctx)
}

func (h *Hub) close() {
	if h.updates != nil {
		h.updates.Close()
	}
	for _, c := range h.closers {
		if err := c.Close(); err != nil {
			log.Error(err, "Failed to close resource")
		}
	}
	if h.bus != nil {
		h.bus.Close()
	}
}

func (h *Hub) newQueue(ctx context.Context, opts *options.RedisOptions) (core.MessageQueue, error) {
	if !opts.Enabled {
		log.Warn("Redis disabled, queued messages are kept in memory")
		return memory.NewQueue(), nil
	}
	client, err := redisstore.NewClient(ctx, opts)
	if err != nil {
		return nil, err
	}
	h.closers = append(h.closers, client)
	return redisstore.NewQueue(client, opts.KeyPrefix), nil
}

func (h *Hub) newSessionStore(opts *options.PostgresOptions) (core.SessionRepository, error) {
	if !opts.Enabled {
		log.Warn("PostgreSQL disabled, update sessions are kept in memory")
		return memory.NewSessionStore(), nil
	}
	db, err := postgres.Setup(opts)
	if err != nil {
		return nil, err
	}
	h.closers = append(h.closers, db)
	return postgres.NewSessionStore(db), nil
}

func newCatalog(ctx context.Context, opts *options.S3Options) (catalog, error) {
	if !opts.Enabled {
		log.Warn("S3 disabled, the artifact catalog is empty")
		return memory.NewCatalog(), nil
	}
	c, err := storage.NewMinIOCatalog(opts)
	if err != nil {
		return nil, err
	}
	if err := c.CheckBucket(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func newBridge(b bus.Bus, opts *options.NatsOptions) (*natsbridge.Bridge, error) {
	conn, err := natsbridge.Connect(opts)
	if err != nil {
		return nil, err
	}
	bridge := natsbridge.New(conn, b, opts.SubjectPrefix)
	bridge.Export(natsbridge.ExportedTopics...)
	if err := bridge.Import(natsbridge.ImportedTopics...); err != nil {
		conn.Close()
		return nil, err
	}
	return bridge, nil
}

// InitializeMQTTClient creates the broker client, defaulting the client id
// to one derived from the host name.
func InitializeMQTTClient(opts *options.MqttOptions) (mqtt.Client, error) {
	cfg := opts.ToClientConfig()

	if cfg.ClientID == "" {
		hostname, _ := os.Hostname()
		cfg.ClientID = fmt.Sprintf("sensorhub-%s", hostname)
	}

	client, err := mqtt.NewClient(cfg)
	if err != nil {
		log.Error(err, "failed to create mqtt client")
		return nil, err
	}

	return client, nil
}
