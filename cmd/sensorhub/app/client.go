package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	grpcmw "github.com/autopeer-io/sensorhub/internal/pkg/middleware/grpc"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
	grpcsrv "github.com/autopeer-io/sensorhub/internal/sensorhub/server/grpc"
)

const (
	defaultServer     = "http://localhost:8080"
	defaultGrpcServer = "localhost:8091"
)

// apiClient talks to the hub's HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(server string) *apiClient {
	return &apiClient{
		base: strings.TrimSuffix(server, "/") + "/api/v1",
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *apiClient) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &e) == nil && e.Message != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Message)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	return json.Unmarshal(body, out)
}

func newSessionsCommand() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect update sessions",
	}
	cmd.PersistentFlags().StringVar(&server, "server", defaultServer, "Base URL of the hub HTTP API.")

	cmd.AddCommand(&cobra.Command{
		Use:   "get SESSION_ID",
		Short: "Show one update session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s model.UpdateSession
			if err := newAPIClient(server).get(cmd.Context(), "/updates/"+url.PathEscape(args[0]), nil, &s); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sessionTable(&s))
			return nil
		},
	}, &cobra.Command{
		Use:   "active DEVICE_ID",
		Short: "Show the active update session of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s model.UpdateSession
			path := "/devices/" + url.PathEscape(args[0]) + "/updates/active"
			if err := newAPIClient(server).get(cmd.Context(), path, nil, &s); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sessionTable(&s))
			return nil
		},
	})
	return cmd
}

func newQueueCommand() *cobra.Command {
	var server, device string

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the pending message queue",
	}
	cmd.PersistentFlags().StringVar(&server, "server", defaultServer, "Base URL of the hub HTTP API.")

	list := &cobra.Command{
		Use:   "list",
		Short: "List queued messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			query := url.Values{}
			if device != "" {
				query.Set("deviceId", device)
			}
			var msgs []*model.QueuedMessage
			if err := newAPIClient(server).get(cmd.Context(), "/queue", query, &msgs); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), queueTable(msgs))
			return nil
		},
	}
	list.Flags().StringVar(&device, "device", "", "Only list messages for this device.")
	cmd.AddCommand(list)
	return cmd
}

func newHealthCommand() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the hub's gRPC health service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := checkHealth(cmd.Context(), server)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			if status != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("hub is %s", status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", defaultGrpcServer, "Address of the hub gRPC endpoint.")
	return cmd
}

func checkHealth(ctx context.Context, target string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(grpcmw.UnaryTimeoutInterceptor),
	)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: grpcsrv.ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func sessionTable(s *model.UpdateSession) *uitable.Table {
	table := uitable.New()
	table.MaxColWidth = 80
	table.Wrap = true

	table.AddRow("SESSION:", s.ID)
	table.AddRow("DEVICE:", s.DeviceID)
	table.AddRow("TYPE:", s.Type)
	table.AddRow("STATUS:", s.Status)
	table.AddRow("VERSION:", s.Version)
	table.AddRow("PROGRESS:", fmt.Sprintf("%d/%d chunks acknowledged", s.AcknowledgedChunks, s.TotalChunks))
	table.AddRow("STARTED:", s.StartedAt.Format(time.RFC3339))
	if s.CompletedAt != nil {
		table.AddRow("COMPLETED:", s.CompletedAt.Format(time.RFC3339))
	}
	if s.Error != "" {
		table.AddRow("ERROR:", s.Error)
	}
	return table
}

func queueTable(msgs []*model.QueuedMessage) *uitable.Table {
	table := uitable.New()
	table.MaxColWidth = 40

	table.AddRow("MESSAGE", "DEVICE", "TYPE", "PRIORITY", "STATUS", "RETRIES", "QUEUED")
	for _, m := range msgs {
		table.AddRow(m.MessageID, m.DeviceID, m.MessageType, m.Priority, m.Status, m.RetryCount,
			m.Timestamp.Format(time.RFC3339))
	}
	return table
}
