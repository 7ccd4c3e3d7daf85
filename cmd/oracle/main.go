package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"collateraloracle/internal/history"
	"collateraloracle/internal/platform/config"
	"collateraloracle/internal/platform/httpserver"
	"collateraloracle/internal/platform/logger"
	httptransport "collateraloracle/internal/transport/http"
	id "collateraloracle/pkg/domain"
	"collateraloracle/pkg/requestcontext"
)

var version = "dev"

// setup loads configuration and wires the service for any subcommand.
func setup(ctx context.Context, cmd *cli.Command) (*app, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	a, err := build(ctx, cfg, log, version)
	if err != nil {
		return nil, fmt.Errorf("wire oracle: %w", err)
	}
	return a, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Error("close resources", "error", err)
		}
	}()

	opts := []httptransport.Option{
		httptransport.WithLogger(a.logger),
		httptransport.WithMetricsHandler(a.metrics.Handler()),
	}
	for name, check := range a.checks {
		opts = append(opts, httptransport.WithCheck(name, check))
	}
	router := httptransport.NewRouter(httptransport.NewHandler(opts...))
	srv := httpserver.New(a.cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, srv, a.cfg.Server.ShutdownTimeout, a.logger)
	})
	g.Go(func() error {
		return a.tracker.StartMaturityMonitoring(gctx)
	})
	if a.ingest != nil {
		g.Go(func() error {
			return a.ingest.Run(gctx)
		})
	}
	a.logger.Info("collateral oracle started",
		"version", version,
		"sources", len(a.cfg.Sources),
		"history", a.cfg.History.Backend,
		"kafka", a.cfg.Kafka.Enabled(),
	)

	err = g.Wait()
	if a.producer != nil {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if ferr := a.producer.Flush(flushCtx); ferr != nil {
			a.logger.Warn("flush event feed", "error", ferr)
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func assetArg(cmd *cli.Command) (id.AssetID, error) {
	if cmd.Args().Len() != 1 {
		return "", fmt.Errorf("expected exactly one asset ID argument")
	}
	return id.AssetID(cmd.Args().First()), nil
}

// atFlag parses --at, returning the zero time when it is unset.
func atFlag(cmd *cli.Command) (time.Time, error) {
	raw := cmd.String("at")
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--at must be RFC3339: %w", err)
	}
	return t, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func verifyChain(ctx context.Context, cmd *cli.Command) error {
	assetID, err := assetArg(cmd)
	if err != nil {
		return err
	}
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	events, err := a.store.EventsFor(ctx, assetID, id.Live())
	if err != nil {
		return err
	}
	if err := history.VerifyChain(events); err != nil {
		return fmt.Errorf("chain for %s is broken: %w", assetID, err)
	}
	return printJSON(map[string]any{"asset_id": assetID, "events": len(events), "intact": true})
}

func owner(ctx context.Context, cmd *cli.Command) error {
	assetID, err := assetArg(cmd)
	if err != nil {
		return err
	}
	at, err := atFlag(cmd)
	if err != nil {
		return err
	}
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx = requestcontext.WithActor(ctx, cmd.String("actor"))
	if at.IsZero() {
		return printJSON(a.gateway.GetCurrentOwner(ctx, assetID, id.Live()))
	}
	return printJSON(a.gateway.GetOwnerAtTime(ctx, assetID, at))
}

func evidence(ctx context.Context, cmd *cli.Command) error {
	assetID, err := assetArg(cmd)
	if err != nil {
		return err
	}
	at, err := atFlag(cmd)
	if err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx = requestcontext.WithActor(ctx, cmd.String("actor"))
	return printJSON(a.gateway.GenerateOwnershipEvidence(ctx, assetID, at))
}

// queryFlags are built per command; cli keeps parse state on the flag.
func queryFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "at",
			Usage: "RFC3339 timestamp to query at instead of now",
		},
		&cli.StringFlag{
			Name:  "actor",
			Usage: "Actor recorded against any events the command appends",
			Value: "oracle-cli",
		},
	}
}

func main() {
	cmd := &cli.Command{
		Name:    "collateral-oracle",
		Usage:   "Consensus-backed ownership, encumbrance and dispute oracle for tokenized collateral",
		Version: version,
		Action:  serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("ORACLE_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the oracle with its ops server and background workers",
				Action: serve,
			},
			{
				Name:      "verify-chain",
				Usage:     "Check the hash chain of an asset's event log",
				ArgsUsage: "<asset-id>",
				Action:    verifyChain,
			},
			{
				Name:      "owner",
				Usage:     "Print the consensus owner of an asset, or the logged owner with --at",
				ArgsUsage: "<asset-id>",
				Flags:     queryFlags(),
				Action:    owner,
			},
			{
				Name:      "evidence",
				Usage:     "Generate a sealed ownership evidence package",
				ArgsUsage: "<asset-id>",
				Flags:     queryFlags(),
				Action:    evidence,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
