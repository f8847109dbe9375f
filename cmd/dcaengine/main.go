package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"dcaengine/internal/config"
)

type rootOptions struct {
	configPath string
	envOnly    bool
}

func (o *rootOptions) load() (config.Config, error) {
	return config.Load(o.configPath, o.envOnly)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "dcaengine",
		Short:         "Custodial recurring-buy engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultPath := os.Getenv("DCA_CONFIG")
	if defaultPath == "" {
		defaultPath = "config/config.yaml"
	}
	envOnly := false
	if raw := os.Getenv("DCA_ENV_ONLY"); raw != "" {
		envOnly = strings.EqualFold(raw, "true") || raw == "1"
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultPath, "path to the YAML config file")
	cmd.PersistentFlags().BoolVar(&opts.envOnly, "env-only", envOnly, "read configuration from DCA_* environment variables only")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newSyncCmd(opts),
		newVerifyDepositCmd(opts),
	)
	return cmd
}
