// Command persistitctl is the engine's administrative CLI: open a
// volume/journal pair against a config file, force a checkpoint, dump a
// management snapshot, or run a recovery plan dry-run without applying
// it. Grounded on the teacher's flag-based cmd/main.go (a top-level flag
// set dispatching to demo/web/REPL modes), generalized from a SQL REPL
// launcher to a subcommand dispatcher the way the teacher's cmd/migrate
// and cmd/query_files tools each pick one flag-driven mode per run.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/SimonWaldherr/persistitgo/internal/config"
	"github.com/SimonWaldherr/persistitgo/internal/exchange"
	"github.com/SimonWaldherr/persistitgo/internal/logging"
	"github.com/SimonWaldherr/persistitgo/internal/mgmt"
	"github.com/SimonWaldherr/persistitgo/internal/recovery"
	"github.com/SimonWaldherr/persistitgo/internal/txn"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "snapshot":
		err = runSnapshot(args)
	case "checkpoint":
		err = runCheckpoint(args)
	case "recover":
		err = runRecover(args)
	case "serve":
		err = runServe(args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "persistitctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: persistitctl <command> [flags]

commands:
  snapshot    -config FILE            print a management snapshot and exit
  checkpoint  -config FILE            force an immediate checkpoint
  recover     -dir DIR -prefix PREFIX dry-run a recovery plan, report only
  serve       -config FILE -listen ADDR   open the engine and serve the management gRPC API`)
}

func openExchange(cfgPath string) (*exchange.Exchange, config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("load config: %w", err)
	}
	policy, err := txn.ParseCommitPolicy(cfg.CommitPolicy)
	if err != nil {
		return nil, config.Config{}, err
	}
	ex, err := exchange.Open(exchange.Config{
		PageSize:      cfg.PageSize,
		BufferFrames:  cfg.BufferFrames,
		JournalDir:    cfg.JournalDir,
		JournalPrefix: cfg.JournalPrefix,
		BlockSize:     cfg.JournalBlockSize,
		Policy:        policy,
	})
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("open exchange: %w", err)
	}
	for _, vc := range cfg.Volumes {
		if _, err := ex.OpenVolume(vc.Name, volumeSpec(vc)); err != nil {
			_ = ex.Close()
			return nil, config.Config{}, fmt.Errorf("open volume %s: %w", vc.Name, err)
		}
	}
	return ex, cfg, nil
}

func runSnapshot(args []string) error {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to engine config YAML")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *cfgPath == "" {
		return fmt.Errorf("snapshot: -config is required")
	}
	ex, _, err := openExchange(*cfgPath)
	if err != nil {
		return err
	}
	defer ex.Close()

	svc := mgmt.New(ex)
	fmt.Print(svc.Snapshot().String())
	return nil
}

func runCheckpoint(args []string) error {
	fs := flag.NewFlagSet("checkpoint", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to engine config YAML")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *cfgPath == "" {
		return fmt.Errorf("checkpoint: -config is required")
	}
	ex, _, err := openExchange(*cfgPath)
	if err != nil {
		return err
	}
	defer ex.Close()

	if err := ex.Checkpoint(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	fmt.Println("checkpoint complete")
	return nil
}

// runRecover runs Phase 1 (plan) only, against a journal directory
// directly — it deliberately never opens volumes or applies the plan, so
// it's safe to run against a live engine's journal as a diagnostic.
func runRecover(args []string) error {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	dir := fs.String("dir", "", "journal directory")
	prefix := fs.String("prefix", "persistit", "journal file name prefix")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return fmt.Errorf("recover: -dir is required")
	}
	plan, err := recovery.Run(*dir, *prefix)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	fmt.Printf("keystone file: %s\n", plan.KeystoneFile)
	fmt.Printf("volumes: %d  trees: %d  transactions: %d\n", len(plan.Volumes), len(plan.Trees), len(plan.Transactions))
	var committed, aborted, dropped int
	for _, tx := range plan.Transactions {
		switch tx.Outcome {
		case recovery.TxCommitted:
			committed++
		case recovery.TxAborted:
			aborted++
		case recovery.TxDropped:
			dropped++
		}
	}
	fmt.Printf("committed: %d  aborted(injected): %d  dropped: %d\n", committed, aborted, dropped)
	for _, note := range plan.CorruptionNotes {
		fmt.Println("note:", note)
	}
	return nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to engine config YAML")
	listen := fs.String("listen", "", "management gRPC listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *cfgPath == "" {
		return fmt.Errorf("serve: -config is required")
	}
	ex, cfg, err := openExchange(*cfgPath)
	if err != nil {
		return err
	}
	defer ex.Close()

	addr := cfg.ManagementListenAddr
	if *listen != "" {
		addr = *listen
	}
	if addr == "" {
		return fmt.Errorf("serve: no management listen address in config or -listen")
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, level)

	runner := mgmt.NewRunner()
	svc := mgmt.New(ex)
	gs, lis, err := mgmt.Listen(addr, svc, runner)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer gs.GracefulStop()

	logger.Infof("management API listening on %s", lis.Addr())
	select {}
}
