package app

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/sensorhub/cmd/sensorhub/app/options"
	"github.com/autopeer-io/sensorhub/pkg/log"
)

const envPrefix = "SENSORHUB"

func newServeCommand() *cobra.Command {
	opts := options.NewServerOptions()
	v := viper.New()
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Launch the hub server",
		Long: commandDesc + `

Options are read from flags, SENSORHUB_* environment variables and an
optional config file, in that order of precedence.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadConfig(v, configFile, opts); err != nil {
				return err
			}
			if err := opts.Complete(); err != nil {
				return err
			}
			if err := opts.Validate(); err != nil {
				return err
			}

			log.Init(opts.Log)
			defer log.Sync()
			watchConfig(v, configFile)

			ctx := cmd.Context()
			cfg, err := opts.Config()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			hub, err := cfg.NewHub(ctx)
			if err != nil {
				return fmt.Errorf("failed to create hub: %w", err)
			}

			return hub.Run(ctx)
		},
	}

	fs := cmd.Flags()
	namedfs := opts.Flags()
	namedfs.FlagSet("global").StringVarP(&configFile, "config", "c", "", "Path to a YAML config file.")
	for _, f := range namedfs.FlagSets {
		fs.AddFlagSet(f)
	}
	cliflag.SetUsageAndHelpFunc(cmd, namedfs, 80)

	// Flags are bound after registration so explicit flags win over the file.
	cobra.CheckErr(v.BindPFlags(fs))
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return cmd
}

func loadConfig(v *viper.Viper, configFile string, opts *options.ServerOptions) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}
	if err := v.Unmarshal(opts); err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}
	return nil
}

// watchConfig applies log level changes from the config file without a restart.
func watchConfig(v *viper.Viper, configFile string) {
	if configFile == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info("Config file changed", "file", e.Name, "op", e.Op.String())
		if err := log.SetLevel(v.GetString("log.level")); err != nil {
			log.Error(err, "Failed to apply log level")
		}
	})
	v.WatchConfig()
}
