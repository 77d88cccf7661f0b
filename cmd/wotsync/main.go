package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sandwichfarm/wotsync/internal/config"
	"github.com/sandwichfarm/wotsync/internal/ops"
	"github.com/sandwichfarm/wotsync/internal/relays"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
	builtBy = "manual"
)

func usage() {
	fmt.Println("wotsync - trust-weighted Nostr mirror")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  wotsync init                               Generate example configuration")
	fmt.Println("  wotsync --version                          Show version information")
	fmt.Println("  wotsync --config <path>                    Run the mirror")
	fmt.Println("  wotsync --config <path> classify <pubkey>  Show the sync tier of an identity")
	fmt.Println("  wotsync --config <path> trust <pubkey>     Recalculate a trust score")
	fmt.Println("  wotsync --config <path> recommend <pubkey> Rank relays for an identity")
	fmt.Println("  wotsync --config <path> probe              Probe every known relay once")
	fmt.Println("  wotsync --config <path> status [--json]    Show relay, state and storage diagnostics")
	fmt.Println("  wotsync --config <path> backup <file>      Copy the state database to file")
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		handleInit()
		return
	}

	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", "", "Path to configuration file")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("wotsync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		fmt.Printf("  by:     %s\n", builtBy)
		os.Exit(0)
	}

	if *configPath == "" {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger := ops.NewLogger(&cfg.Logging)
	ops.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	args := flag.Args()
	cmd := "run"
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "run":
		err = a.run(ctx)
	case "classify", "trust", "recommend":
		if len(args) < 2 {
			err = fmt.Errorf("%s needs a pubkey", cmd)
			break
		}
		err = a.inspect(ctx, cmd, args[1])
	case "probe":
		err = a.probe(ctx)
	case "status":
		err = a.status(ctx, len(args) > 1 && args[1] == "--json")
	case "backup":
		if len(args) < 2 {
			err = fmt.Errorf("backup needs a destination path")
			break
		}
		err = a.backup(ctx, args[1])
	default:
		usage()
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		a.Close()
		os.Exit(1)
	}
}

func (a *app) run(ctx context.Context) error {
	a.logger.LogStartup(version, commit, map[string]interface{}{
		"owner":     a.cfg.Identity.Owner,
		"seeds":     len(a.cfg.Relays.Seeds),
		"mirror":    a.cfg.Mirror.Driver,
		"strategy":  a.cfg.Trust.Strategy,
		"max_hops":  a.cfg.WoT.MaxHops,
		"redis":     a.cfg.Signals.RedisURL != "",
		"metrics":   a.cfg.Metrics.Enabled,
		"data_dir":  a.cfg.Retention.DataDir,
		"kinds":     a.cfg.Ingest.Kinds,
		"workers":   a.cfg.Ingest.Workers,
		"anchors":   len(anchors(a.cfg)),
		"companies": len(a.cfg.Identity.Company),
	})

	if a.metrics != nil {
		go func() {
			if err := a.metrics.Serve(ctx, a.cfg.Metrics.Listen, a.logger); err != nil {
				a.logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	// the first pressure reading gates BACKGROUND admission from the start
	if err := a.engine.ScanRetention(ctx); err != nil {
		a.logger.Warn("initial retention scan failed", "error", err)
	}

	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync engine: %w", err)
	}
	defer a.engine.Stop()

	sched := ops.NewScheduler(nil, a.logger)
	if err := a.engine.RegisterJobs(sched, &a.cfg.Schedule); err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	<-ctx.Done()
	a.logger.LogShutdown("signal received")
	return nil
}

func (a *app) inspect(ctx context.Context, cmd, raw string) error {
	pubkey, err := config.NormalizePubkey(raw)
	if err != nil {
		return err
	}

	var out any
	switch cmd {
	case "classify":
		out = a.classifier.Classify(ctx, pubkey)
	case "trust":
		rec, err := a.trust.Recalculate(ctx, pubkey)
		if err != nil {
			return err
		}
		out = rec
	case "recommend":
		out = a.recommender.Recommend(ctx, pubkey)
	}
	return printJSON(out)
}

func (a *app) probe(ctx context.Context) error {
	if err := a.registry.Load(ctx); err != nil {
		return err
	}
	seeds := make([]relays.ProbeResult, 0, len(a.cfg.Relays.Seeds))
	for _, seed := range a.cfg.Relays.Seeds {
		res, err := a.registry.Probe(ctx, seed)
		if err != nil {
			a.logger.Warn("seed probe failed", "relay", seed, "error", err)
			continue
		}
		seeds = append(seeds, res)
	}
	known, err := a.registry.ProbeAll(ctx)
	if err != nil {
		return err
	}
	return printJSON(map[string][]relays.ProbeResult{"seeds": seeds, "registry": known})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func handleInit() {
	exampleConfig, err := config.GetExampleConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading example config: %v\n", err)
		os.Exit(1)
	}

	fmt.Print(string(exampleConfig))
}
