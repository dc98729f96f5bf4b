// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/internal/config"
	"github.com/xkilldash9x/tether/internal/observability"
)

type contextKey string

// configKey is the context key under which the validated config travels to subcommands.
const configKey contextKey = "tether-config"

// newRootCmd builds the command tree. Each call returns an independent tree,
// so tests never share flag state. connect opens the browser for commands that need one.
func newRootCmd(connect connector) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "tether",
		Short:         "tether drives and verifies elements in a running browser over CDP.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "tether"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting tether.", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}
	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./tether.yaml or ~/.tether/tether.yaml)")

	cmd.AddCommand(newCheckCmd(connect))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the CLI with a signal-aware context and returns the first error.
func Execute(ctx context.Context, args []string) error {
	root := newRootCmd(defaultConnector)
	root.SetArgs(args)
	defer observability.Sync()
	return root.ExecuteContext(ctx)
}

// initializeConfig reads the config file, if any, and wires TETHER_* environment variables.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		path, err := homedir.Expand(cfgFile)
		if err != nil {
			return fmt.Errorf("could not expand config path %q: %w", cfgFile, err)
		}
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".tether"))
		}
		v.SetConfigName("tether")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("TETHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment apply.
	}
	return nil
}

// configFromContext returns the config stored by the root command.
func configFromContext(ctx context.Context) (config.Interface, error) {
	cfg, ok := ctx.Value(configKey).(config.Interface)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not initialized")
	}
	return cfg, nil
}
