package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-dmls/internal/config"
	"github.com/gezibash/arc-dmls/internal/epochstore"
	_ "github.com/gezibash/arc-dmls/internal/epochstore/physical/badger"
	_ "github.com/gezibash/arc-dmls/internal/epochstore/physical/memory"
	_ "github.com/gezibash/arc-dmls/internal/epochstore/physical/redis"
	_ "github.com/gezibash/arc-dmls/internal/epochstore/physical/s3"
	_ "github.com/gezibash/arc-dmls/internal/epochstore/physical/sqlite"
	"github.com/gezibash/arc-dmls/internal/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app carries the loaded configuration and observability into commands.
type app struct {
	v   *viper.Viper
	cfg config.Config
	obs *observability.Observability
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return newRootCmd(&app{v: viper.New()}).ExecuteContext(ctx)
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "arc-dmls",
		Short: "Arc DMLS - epoch-forking group state",
		Long: `Inspect and exercise epoch-forked group state.

Every epoch of a group lives in its own storage namespace, named by an id
exported from the epoch's key schedule. Merging a commit forks the source
epoch instead of overwriting it.

Commands:
  arc-dmls simulate         Run a two-member scenario against the backend
  arc-dmls epochs list      List stored epochs
  arc-dmls epochs show      Show the records of one epoch
  arc-dmls epochs drop      Delete one epoch
  arc-dmls backends         List storage backends`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	config.BindFlags(rootCmd, a.v)

	rootCmd.AddCommand(
		newSimulateCmd(a),
		newEpochsCmd(a),
		newBackendsCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func (a *app) setup(cmd *cobra.Command) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(a.v, configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	obs, err := observability.New(cmd.Context(), observability.ObsConfig{
		LogLevel:       cfg.Observability.LogLevel,
		LogFormat:      cfg.Observability.LogFormat,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		OTLPProtocol:   cfg.Observability.OTLPProtocol,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
	}, os.Stderr)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	a.obs = obs
	return nil
}

func (a *app) close() error {
	if a.obs == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.obs.Close(ctx)
}

// openFactory opens the configured backend.
func (a *app) openFactory(ctx context.Context, opts ...epochstore.Option) (*epochstore.Factory, error) {
	f, err := epochstore.Open(ctx, a.cfg.Storage.Backend, a.cfg.BackendOptions(), a.obs.Metrics, opts...)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", a.cfg.Storage.Backend, err)
	}
	return f, nil
}
