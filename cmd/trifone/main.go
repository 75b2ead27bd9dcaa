package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/trifone/trifone/internal/config"
	"github.com/trifone/trifone/internal/engine"
	"github.com/trifone/trifone/pkg/logger"
)

var (
	maxResults int
	backend    string
	storeDir   string
	printMode  string
)

func printUsage() {
	fmt.Println(`Usage: trifone <command> [flags] [arguments]

Commands:
  store <audio>...   Extract fingerprints and add them to the index
  query <audio>      Match an unknown clip against the index
  monitor <audio>    Match a long recording window by window
  delete <audio>     Remove a resource from the index
  load               Bulk-import cached .tdb fingerprint files
  print <audio>      Dump diagnostics (-mode eps|peaks|store)
  meta <audio>       Show stored metadata for a resource
  stats              Show index statistics
  clear              Empty the index

Configuration is read from the environment (and .env); see internal/config.`)
}

func main() {
	log := logger.GetLogger()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]

	flags := flag.NewFlagSet(command, flag.ExitOnError)
	flags.IntVar(&maxResults, "max-results", 10, "maximum number of query results")
	flags.StringVar(&backend, "backend", "", "storage backend override (memory, kv, file, sqlite)")
	flags.StringVar(&storeDir, "store", "", "storage folder or database path override")
	flags.StringVar(&printMode, "mode", "eps", "print mode: eps, peaks or store")
	if err := flags.Parse(os.Args[2:]); err != nil {
		os.Exit(1)
	}
	args := flags.Args()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Bad configuration: %v", err)
	}
	if backend != "" {
		cfg.StorageBackend = backend
	}
	if storeDir != "" {
		cfg.StoreFolder = storeDir
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Bad configuration: %v", err)
	}

	strategy, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("Could not open storage: %v", err)
	}
	defer strategy.Close()

	ctx := context.Background()

	switch command {
	case "store":
		handleStore(ctx, strategy, args)
	case "query":
		handleQuery(ctx, strategy, args)
	case "monitor":
		handleMonitor(ctx, strategy, args)
	case "delete":
		handleDelete(ctx, strategy, args)
	case "load":
		if err := strategy.Load(ctx); err != nil {
			log.Fatalf("Load failed: %v", err)
		}
	case "print":
		handlePrint(ctx, strategy, args)
	case "meta":
		handleMeta(strategy, args)
	case "stats":
		handleStats(strategy)
	case "clear":
		if err := strategy.Clear(); err != nil {
			log.Fatalf("Clear failed: %v", err)
		}
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Println("Usage:", usage)
		os.Exit(1)
	}
}

func handleStore(ctx context.Context, strategy *engine.Strategy, args []string) {
	log := logger.GetLogger()
	requireArgs(args, 1, "trifone store <audio>...")

	progress := mpb.New(mpb.WithWidth(48))
	bar := progress.AddBar(int64(len(args)),
		mpb.PrependDecorators(decor.Name("storing"), decor.CountersNoUnit(" %d / %d")),
		mpb.AppendDecorators(decor.Percentage()),
	)

	var failed int
	for _, path := range args {
		if _, err := strategy.Store(ctx, path); err != nil {
			log.Errorf("Store of %s failed: %v", path, err)
			failed++
		}
		bar.Increment()
	}
	progress.Wait()
	if failed > 0 {
		log.Fatalf("%d of %d resources failed", failed, len(args))
	}
}

func handleQuery(ctx context.Context, strategy *engine.Strategy, args []string) {
	log := logger.GetLogger()
	requireArgs(args, 1, "trifone query <audio>")

	outcome, err := strategy.Query(ctx, args[0], maxResults, nil)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	printResults(outcome)
}

func handleMonitor(ctx context.Context, strategy *engine.Strategy, args []string) {
	log := logger.GetLogger()
	requireArgs(args, 1, "trifone monitor <audio>")

	outcome, err := strategy.Monitor(ctx, args[0], maxResults, nil)
	if err != nil {
		log.Fatalf("Monitor failed: %v", err)
	}
	printResults(outcome)
}

func printResults(outcome *engine.QueryOutcome) {
	if len(outcome.Results) == 0 {
		fmt.Println("No matches.")
	}
	for _, r := range outcome.Results {
		fmt.Printf("%s;%.2f;%.2f;%s;%d;%.2f;%.2f;%d;%.3f;%.3f;%.2f\n",
			r.QueryPath, r.QueryStart, r.QueryStop,
			r.RefPath, r.RefID, r.RefStart, r.RefStop,
			r.Score, r.TimeFactor, r.FrequencyFactor, r.PercentOfSecondsWithMatches)
	}
	if outcome.Cancelled {
		fmt.Println("(cancelled: partial results)")
	}
}

func handleDelete(ctx context.Context, strategy *engine.Strategy, args []string) {
	log := logger.GetLogger()
	requireArgs(args, 1, "trifone delete <audio>")
	if _, err := strategy.Delete(ctx, args[0]); err != nil {
		log.Fatalf("Delete failed: %v", err)
	}
}

func handlePrint(ctx context.Context, strategy *engine.Strategy, args []string) {
	log := logger.GetLogger()
	requireArgs(args, 1, "trifone print [-mode eps|peaks|store] <audio>")

	var mode engine.PrintMode
	switch printMode {
	case "eps":
		mode = engine.PrintEventPoints
	case "peaks":
		mode = engine.PrintSpectralPeaks
	case "store":
		mode = engine.PrintStoreLines
	default:
		log.Fatalf("Unknown print mode %q", printMode)
	}
	if err := strategy.Print(ctx, os.Stdout, args[0], mode); err != nil {
		log.Fatalf("Print failed: %v", err)
	}
}

func handleMeta(strategy *engine.Strategy, args []string) {
	log := logger.GetLogger()
	requireArgs(args, 1, "trifone meta <audio>")
	line, err := strategy.Metadata(args[0])
	if err != nil {
		log.Fatalf("No metadata: %v", err)
	}
	fmt.Println(line)
}

func handleStats(strategy *engine.Strategy) {
	log := logger.GetLogger()
	stats, err := strategy.Stats()
	if err != nil {
		log.Fatalf("Stats failed: %v", err)
	}
	fmt.Printf("resources: %d\npostings: %d\n", stats.Resources, stats.Postings)
}
