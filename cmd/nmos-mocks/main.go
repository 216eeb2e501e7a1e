// nmos-mocks serves mock NMOS registries, a mock node and mock System APIs
// for conformance testing.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/markus-barta/nmosmocks/internal/config"
	"github.com/markus-barta/nmosmocks/internal/control"
	"github.com/markus-barta/nmosmocks/internal/mocks"
	"github.com/markus-barta/nmosmocks/internal/node"
	"github.com/markus-barta/nmosmocks/internal/registry"
	"github.com/markus-barta/nmosmocks/internal/system"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type flags struct {
	configFile    string
	portBase      int
	host          string
	numRegistries int
	logLevel      string
	https         bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags

	root := &cobra.Command{
		Use:   "nmos-mocks",
		Short: "Mock NMOS registries, node and System APIs",
		Long: `nmos-mocks runs a pool of mock IS-04 registries sharing one resource
store, a mock node with IS-05 immediate activation, a pool of mock IS-09
System APIs and a control API that enables, resets and inspects them.

Configuration comes from NMOS_* environment variables, optionally overlaid
by the YAML file named by NMOS_MOCKS_CONFIG or --config, then by flags.`,
		Version:      mocks.VersionInfo(),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.configFile, "config", "", "YAML configuration file")
	pf.IntVar(&f.portBase, "port-base", 0, "base port (default 5000)")
	pf.StringVar(&f.host, "host", "", "host advertised in hrefs")
	pf.IntVar(&f.numRegistries, "registries", 0, "number of mock registries")
	pf.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&f.https, "https", false, "serve TLS")

	root.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the port layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			printLayout(cmd, cfg)
			return nil
		},
	})

	return root
}

// loadConfig applies env, then the YAML file, then flags that were set.
func loadConfig(cmd *cobra.Command, f flags) (*config.Config, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, err
	}

	path := f.configFile
	if path == "" {
		path = os.Getenv("NMOS_MOCKS_CONFIG")
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	pf := cmd.Flags()
	if pf.Changed("port-base") {
		cfg.PortBase = f.portBase
	}
	if pf.Changed("host") {
		cfg.Host = f.host
	}
	if pf.Changed("registries") {
		cfg.NumRegistries = f.numRegistries
	}
	if pf.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if pf.Changed("https") {
		cfg.EnableHTTPS = f.https
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(cfg *config.Config) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("version", mocks.VersionInfo()).
		Int("port_base", cfg.PortBase).
		Int("registries", cfg.NumRegistries).
		Int("systems", cfg.NumSystems).
		Bool("https", cfg.EnableHTTPS).
		Bool("auth", cfg.EnableAuth).
		Msg("NMOS mocks starting")

	m, err := mocks.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := m.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server error")
		return err
	}
	log.Info().Msg("shut down")
	return nil
}

func printLayout(cmd *cobra.Command, cfg *config.Config) {
	out := cmd.OutOrStdout()
	scheme := cfg.Scheme()

	fmt.Fprintln(out, "✓ Config OK")
	fmt.Fprintf(out, "  Control:     %s://%s:%d/\n", scheme, cfg.Host, control.Port(cfg.PortBase))
	for i := 0; i < cfg.NumRegistries; i++ {
		fmt.Fprintf(out, "  Registry %d:  %s://%s:%d/x-nmos/\n", i, scheme, cfg.Host, registry.RegistryPort(cfg.PortBase, i))
	}
	fmt.Fprintf(out, "  Node:        %s://%s:%d/x-nmos/\n", scheme, cfg.Host, node.Port(cfg.PortBase))
	for i := 0; i < cfg.NumSystems; i++ {
		fmt.Fprintf(out, "  System %d:    %s://%s:%d/x-nmos/system/\n", i, scheme, cfg.Host, system.Port(cfg.PortBase, i))
	}
	if cfg.Control.HasPassword() {
		fmt.Fprintln(out, "  Control API requires a password")
	}
}
