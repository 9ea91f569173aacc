// Package app implements the sensorhub command line.
package app

import (
	"context"

	"github.com/spf13/cobra"
)

const (
	commandName = "sensorhub"
	commandDesc = `The sensorhub routes messages to field devices over their available
transports and drives firmware and configuration updates on them.`
)

// NewSensorHubCommand returns the root command. ctx is cancelled on SIGTERM
// or SIGINT.
func NewSensorHubCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:           commandName,
		Short:         "IoT device communication and update hub",
		Long:          commandDesc,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.SetContext(ctx)

	cmd.AddCommand(
		newServeCommand(),
		newSessionsCommand(),
		newQueueCommand(),
		newHealthCommand(),
	)
	return cmd
}
