package cmd

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sgproxy/internal/config"
	"sgproxy/internal/metrics"
	providerfactory "sgproxy/internal/provider/factory"
	"sgproxy/internal/router"
	"sgproxy/internal/server"
)

func newServeCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			envFile, _ := cmd.Flags().GetString("env-file")
			return serve(cmd, v, cfgPath, envFile)
		},
	}

	f := cmd.Flags()
	f.String("config", "", "path to YAML configuration file")
	f.String("env-file", ".env", "dotenv file loaded before reading the environment")
	f.Int("port", 0, "override server port from configuration")
	f.String("log-level", "", "log level: debug, info, warn, error")

	_ = v.BindPFlag(config.KeyServerPort, f.Lookup("port"))
	_ = v.BindPFlag(config.KeyLogLevel, f.Lookup("log-level"))
	bindEnv(v)

	return cmd
}

// bindEnv maps the environment variables the proxy honours onto config keys.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv(config.KeyUpstreamDomain, "SOURCEGRAPH_DOMAIN")
	_ = v.BindEnv(config.KeyServerPort, "PORT")
	_ = v.BindEnv(config.KeyLogLevel, "LOG_LEVEL")
	_ = v.BindEnv(config.KeyLogFormat, "LOG_FORMAT")
}

func serve(cmd *cobra.Command, v *viper.Viper, cfgPath, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file %q: %w", envFile, err)
		}
	}

	cfg, err := config.Load(cfgPath, v)
	if err != nil {
		return err
	}

	configureLogger(cfg.Log)

	p, err := providerfactory.NewProvider(cfg)
	if err != nil {
		return err
	}

	m := metrics.New()
	rt, err := router.New(p, m, cfg.Upstream.ReadTimeout)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, rt, m)
	if err != nil {
		return err
	}

	return srv.Run(cmd.Context())
}
