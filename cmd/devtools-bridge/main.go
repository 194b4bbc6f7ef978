// Command devtools-bridge hooks and drives a JavaScript target over the
// Chrome DevTools Protocol.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aivorynet/devtools-bridge/pkg/agent"
)

var (
	// Global flags
	endpoint   string
	target     string
	configPath string
	debug      bool

	// Set by PersistentPreRunE.
	config *agent.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "devtools-bridge",
	Short: "Inspect and drive a JavaScript target over the DevTools protocol",
	Long: `devtools-bridge attaches to a Chromium or Electron target with remote
debugging enabled (--remote-debugging-port=9222).

It can pause the target at a source location and print a value from the
paused frame, evaluate script templates in the target, and list the page
targets of the endpoint.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		config, err = loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, err = newLogger(config.Debug)
		if err != nil {
			return err
		}
		config.Logger = logger
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&endpoint, "endpoint", "e", "", "DevTools endpoint: port, host:port, http or ws URL (default 9222)")
	rootCmd.PersistentFlags().StringVarP(&target, "target", "t", "", "Regular expression selecting the page target by URL")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	rootCmd.AddCommand(targetsCmd)
	rootCmd.AddCommand(evalCmd)
	rootCmd.AddCommand(hookCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig merges the config file, the environment and the persistent
// flags. Flags win.
func loadConfig(cmd *cobra.Command) (*agent.Config, error) {
	var opts []agent.ConfigOption
	flags := cmd.Flags()
	if flags.Changed("endpoint") {
		opts = append(opts, agent.WithEndpoint(endpoint))
	}
	if flags.Changed("target") {
		opts = append(opts, agent.WithTarget(target))
	}
	if flags.Changed("debug") {
		opts = append(opts, agent.WithDebug(debug))
	}

	if configPath != "" {
		return agent.LoadConfigFile(configPath, opts...)
	}
	return agent.NewConfig(opts...), nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if debug {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	l, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return l, nil
}

// parseParams turns K=V pairs into template parameters. V is decoded as JSON
// when it parses, otherwise it is taken as a string.
func parseParams(pairs []string) (map[string]interface{}, error) {
	params := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, want KEY=VALUE", pair)
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		params[key] = v
	}
	return params, nil
}
