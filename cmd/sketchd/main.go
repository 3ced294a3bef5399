// Package main provides the sketchd CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/orneryd/lineagesketch/pkg/config"
	"github.com/orneryd/lineagesketch/pkg/host"
	"github.com/orneryd/lineagesketch/pkg/lineage"
	"github.com/orneryd/lineagesketch/pkg/metrics"
	"github.com/orneryd/lineagesketch/pkg/provenance"
	"github.com/orneryd/lineagesketch/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sketchd",
		Short: "sketchd - cross-host provenance lineage sketches",
		Long: `sketchd keeps a Bloom filter sketch of the ancestry of every network
connection a host takes part in, and exchanges those sketches with the hosts at
the other end so lineage questions can be answered without a distributed query.

Features:
  • Mutually authenticated TLS 1.3 sketch exchange
  • Lineage queries on an in-memory, BadgerDB or Neo4j provenance graph
  • Bounded background update workers
  • Prometheus metrics`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML config file (environment variables override it)")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sketchd v%s (%s)\n", version, commit)
		},
	})

	// Serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sketch service",
		Long:  "Start the sketch service, ingesting provenance edges and answering sketch requests from peers",
		RunE:  runServe,
	}
	serveCmd.Flags().Int("port", 0, "Sketch service port (overrides config)")
	serveCmd.Flags().String("backend", "", "Graph backend: memory, badger or neo4j (overrides config)")
	serveCmd.Flags().String("data-dir", "", "Badger data directory (overrides config)")
	serveCmd.Flags().String("metrics-addr", "", "Prometheus listen address, e.g. :9100 (overrides config)")
	serveCmd.Flags().String("load", "", "Ingest edges from a JSON edge file on startup")
	rootCmd.AddCommand(serveCmd)

	// Init command
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE:  runInit,
	}
	initCmd.Flags().String("data-dir", "./data", "Data directory")
	rootCmd.AddCommand(initCmd)

	// Import command
	importCmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Load a JSON edge file into the provenance store",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}
	importCmd.Flags().String("data-dir", "", "Badger data directory (overrides config)")
	importCmd.Flags().Bool("replay", false, "Also feed every edge through the sketch pipeline")
	rootCmd.AddCommand(importCmd)

	// Probe command
	probeCmd := &cobra.Command{
		Use:   "probe [host]",
		Short: "Fetch a peer's sketch bundle and summarize it",
		Args:  cobra.ExactArgs(1),
		RunE:  runProbe,
	}
	probeCmd.Flags().Int("port", 0, "Peer sketch port (overrides config)")
	rootCmd.AddCommand(probeCmd)

	// Query command
	queryCmd := &cobra.Command{
		Use:   "query [expression]",
		Short: "Run a lineage expression against the graph backend",
		Long: `Run a lineage expression against the configured graph backend, e.g.

  sketchd query 'lineage v:3f2a 20 a null'
  sketchd query 'vertices source\ host:10.0.0.1 AND source\ port:41234 AND destination\ host:10.0.0.2 AND destination\ port:443'`,
		Args: cobra.MinimumNArgs(1),
		RunE: runQuery,
	}
	queryCmd.Flags().String("data-dir", "", "Badger data directory (overrides config)")
	rootCmd.AddCommand(queryCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the --config file, or the environment alone, then applies
// command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.LoadFromEnv()
	}

	if f := cmd.Flags().Lookup("port"); f != nil && f.Changed {
		cfg.Exchange.Port, _ = cmd.Flags().GetInt("port")
	}
	if f := cmd.Flags().Lookup("backend"); f != nil && f.Changed {
		backend, _ := cmd.Flags().GetString("backend")
		cfg.Lineage.Backend = strings.ToLower(backend)
	}
	if f := cmd.Flags().Lookup("data-dir"); f != nil && f.Changed {
		cfg.Lineage.DataDir, _ = cmd.Flags().GetString("data-dir")
		if cfg.Lineage.Backend == config.BackendMemory {
			cfg.Lineage.Backend = config.BackendBadger
		}
	}
	if f := cmd.Flags().Lookup("metrics-addr"); f != nil && f.Changed {
		cfg.Metrics.Address, _ = cmd.Flags().GetString("metrics-addr")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	loadPath, _ := cmd.Flags().GetString("load")
	cfg.Memory.ApplyRuntimeMemory()

	fmt.Printf("🚀 Starting sketchd v%s\n", version)
	fmt.Printf("   Sketch service:  %s (tls=%v)\n", cfg.Exchange.ListenAddr(), cfg.TLS.Enabled)
	fmt.Printf("   Sketch params:   p=%v n=%d\n", cfg.Sketch.FalsePositiveProbability, cfg.Sketch.ExpectedSize)
	fmt.Printf("   Graph backend:   %s\n", cfg.Lineage.Backend)
	fmt.Printf("   Workers:         %d (queue %d)\n", cfg.Workers.Count, cfg.Workers.QueueSize)
	fmt.Println()

	ctx := context.Background()
	fmt.Println("📂 Opening graph backend...")
	backend, err := host.OpenBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close(ctx)

	reg := prometheus.NewRegistry()
	h, err := host.New(cfg, backend.Engine, host.WithRegisterer(reg))
	if err != nil {
		return fmt.Errorf("creating host: %w", err)
	}
	if err := h.Start(); err != nil {
		return fmt.Errorf("starting host: %w", err)
	}
	defer h.Stop(context.Background())

	var metricsServer *http.Server
	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.HandlerFor(reg))
		metricsServer = &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Printf("   ⚠️  Metrics server: %v\n", err)
			}
		}()
	}

	if loadPath != "" {
		fmt.Printf("📥 Loading edges from %s...\n", loadPath)
		n, err := ingestFile(ctx, backend.Store, h, loadPath)
		if err != nil {
			return fmt.Errorf("loading edges: %w", err)
		}
		fmt.Printf("   ✅ Ingested %d edges\n", n)
	}

	fmt.Println()
	fmt.Println("✅ sketchd is ready!")
	fmt.Println()
	fmt.Println("Endpoints:")
	fmt.Printf("  • Sketch service: %s\n", h.Addr())
	if metricsServer != nil {
		fmt.Printf("  • Metrics:        http://%s/metrics\n", cfg.Metrics.Address)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	// Block until shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\n🛑 Shutting down...")
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsServer != nil {
		metricsServer.Shutdown(stopCtx)
	}
	if err := h.Stop(stopCtx); err != nil {
		return fmt.Errorf("stopping host: %w", err)
	}

	fmt.Println("✅ Stopped gracefully")
	return nil
}

// ingestFile stores each edge of path in store (when there is one) and feeds it to h.
func ingestFile(ctx context.Context, store storage.Engine, h *host.Host, path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening file: %w", err)
	}
	defer file.Close()

	count := 0
	err = storage.ReadEdges(file, func(e *provenance.Edge) error {
		if store != nil {
			if _, err := store.PutEdge(e); err != nil {
				return fmt.Errorf("storing edge %d: %w", count+1, err)
			}
		}
		h.Ingest(ctx, e)
		count++
		return nil
	})
	return count, err
}

func runInit(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")

	fmt.Printf("📂 Initializing sketchd in %s\n", dataDir)

	graphDir := filepath.Join(dataDir, "graph")
	if err := os.MkdirAll(graphDir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", graphDir, err)
	}

	cfg := config.Default()
	cfg.Lineage.Backend = config.BackendBadger
	cfg.Lineage.DataDir = graphDir
	cfg.Metrics.Address = ":9100"

	configPath := filepath.Join(dataDir, "sketchd.yaml")
	if err := cfg.Save(configPath); err != nil {
		return err
	}

	fmt.Println("✅ Initialized successfully")
	fmt.Printf("   Config: %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Load provenance:   sketchd import edges.jsonl --config", configPath)
	fmt.Println("  2. Start the service: sketchd serve --config", configPath)

	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	path := args[0]
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	replay, _ := cmd.Flags().GetBool("replay")

	ctx := context.Background()
	backend, err := host.OpenBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close(ctx)
	if backend.Store == nil {
		return fmt.Errorf("import needs a memory or badger backend, not %s", cfg.Lineage.Backend)
	}

	fmt.Printf("📥 Importing edges from %s\n", path)
	start := time.Now()

	var n int
	if replay {
		h, err := host.New(cfg, backend.Engine)
		if err != nil {
			return fmt.Errorf("creating host: %w", err)
		}
		n, err = ingestFile(ctx, backend.Store, h, path)
		stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if stopErr := h.Stop(stopCtx); stopErr != nil && err == nil {
			err = stopErr
		}
		if err != nil {
			return err
		}
		stats := h.Stats()
		fmt.Printf("   Sketch updates: %d dispatched, %d completed, %d failed\n",
			stats.Ingest.Dispatched, stats.Workers.Completed, stats.Workers.Failed)
		fmt.Printf("   Matrix entries: %d\n", stats.MatrixEntries)
	} else {
		n, err = storage.LoadEdgesFile(backend.Store, path)
		if err != nil {
			return err
		}
	}

	vertices, _ := backend.Store.VertexCount()
	edges, _ := backend.Store.EdgeCount()
	fmt.Printf("✅ Imported %d edges in %v\n", n, time.Since(start).Round(time.Millisecond))
	fmt.Printf("   Store: %d vertices, %d edges\n", vertices, edges)
	return nil
}

func runProbe(cmd *cobra.Command, args []string) error {
	peer := args[0]
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	h, err := host.New(cfg, lineage.NewStorageEngine(storage.NewMemoryEngine(), cfg.Lineage.StorageIDKey))
	if err != nil {
		return err
	}
	defer h.Stop(context.Background())

	fmt.Printf("🔍 Probing %s:%d\n", peer, cfg.Exchange.Port)
	start := time.Now()
	bundle, err := h.Client().Fetch(context.Background(), peer)
	if err != nil {
		return err
	}

	fmt.Printf("   ✅ Received bundle in %v\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("   %-24s %d entries\n", peer, bundle.Matrix.Len())
	hosts := bundle.PeerHosts()
	sort.Strings(hosts)
	for _, ph := range hosts {
		fmt.Printf("   %-24s %d entries (relayed)\n", ph, bundle.Peers[ph].Len())
	}
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	expr := strings.Join(args, " ")
	q, err := lineage.ParseQuery(expr)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()
	backend, err := host.OpenBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close(ctx)

	g, err := backend.Engine.Execute(ctx, q)
	if err != nil {
		return err
	}

	fmt.Printf("%s\n", q)
	for _, v := range g.Vertices() {
		annotations := v.Annotations()
		keys := make([]string, 0, len(annotations))
		for k := range annotations {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%s", k, annotations[k])
		}
		fmt.Printf("  %s\n", strings.Join(parts, ", "))
	}
	fmt.Printf("%d vertices\n", g.Len())
	return nil
}
