// Command clipvecd runs the semantic search daemon over local clipboard
// history: an RPC server over stdio, a JSON HTTP API, and CLI commands for
// operating both without a running daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clipvec/clipvec/internal/config"
	"github.com/clipvec/clipvec/internal/history"
	"github.com/clipvec/clipvec/internal/httpapi"
	"github.com/clipvec/clipvec/internal/orchestrator"
	"github.com/clipvec/clipvec/internal/rpc"
	"github.com/clipvec/clipvec/internal/store"
	"github.com/clipvec/clipvec/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "clipvecd",
	Short:   "Semantic search daemon for local clipboard history",
	Version: version.Full(),
	Long: `clipvecd indexes clipboard history with on-device embeddings and
serves semantic search over it. Nothing leaves the machine: encoding,
indexing, and search all run locally.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("clipvecd %s\n", version.Version)
		fmt.Printf("  commit:  %s\n", version.Commit)
		fmt.Printf("  built:   %s\n", version.Date)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the RPC and HTTP servers",
	Long: `Start the line-delimited JSON-RPC server over stdio and the JSON
HTTP API, sharing one orchestrator instance.`,
	RunE: runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show semantic search status",
	RunE:  runStatus,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search clipboard history semantically",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var downloadModelCmd = &cobra.Command{
	Use:   "download-model",
	Short: "Download the embedding model and wait for completion",
	RunE:  runDownloadModel,
}

var manualDownloadInfoCmd = &cobra.Command{
	Use:   "manual-download-info",
	Short: "Print the URL, target path, and filename for a manual model download",
	RunE:  runManualDownloadInfo,
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Run an incremental bulk-indexing pass and wait for completion",
	RunE:  runIndex,
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Clear and rebuild the entire semantic index, waiting for completion",
	RunE:  runRebuild,
}

func init() {
	rootCmd.SetVersionTemplate("clipvecd version {{.Version}}\n")

	serveCmd.Flags().String("host", "", "HTTP API bind host (overrides config)")
	serveCmd.Flags().Int("port", 0, "HTTP API bind port (overrides config)")

	searchCmd.Flags().IntP("limit", "n", 10, "maximum number of results")
	searchCmd.Flags().StringP("format", "f", "default", "output format (default, json)")

	statusCmd.Flags().StringP("format", "f", "default", "output format (default, json)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(downloadModelCmd)
	rootCmd.AddCommand(manualDownloadInfoCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(rebuildCmd)
}

// buildOrchestrator loads config, opens both SQLite stores, and constructs
// an Orchestrator. Callers are responsible for closing the returned stores
// via the returned closer.
func buildOrchestrator() (*orchestrator.Orchestrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, fmt.Errorf("ensure data dir: %w", err)
	}
	if err := cfg.WriteDefaultConfig(); err != nil {
		return nil, nil, fmt.Errorf("write default config: %w", err)
	}

	hist, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open history store: %w", err)
	}

	durable, err := store.Open(cfg.EmbeddingsDBPath, 768)
	if err != nil {
		hist.Close()
		return nil, nil, fmt.Errorf("open embedding store: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		ModelDir:  cfg.ModelDir,
		Enabled:   cfg.Semantic.Enabled,
		Threshold: cfg.Semantic.Threshold,
		Capacity:  cfg.Semantic.Capacity,
	}, hist, durable)
	if err != nil {
		hist.Close()
		durable.Close()
		return nil, nil, fmt.Errorf("build orchestrator: %w", err)
	}

	closer := func() {
		orch.Close()
		durable.Close()
		hist.Close()
	}
	return orch, closer, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	orch, closer, err := buildOrchestrator()
	if err != nil {
		return err
	}
	defer closer()

	host, _ := cmd.Flags().GetString("host")
	if host == "" {
		host = cfg.Server.HTTPHost
	}
	port, _ := cmd.Flags().GetInt("port")
	if port == 0 {
		port = cfg.Server.HTTPPort
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "clipvecd: shutting down")
		cancel()
	}()

	httpServer := httpapi.NewServer(httpapi.ServerConfig{Host: host, Port: port, Orchestrator: orch})
	errCh := make(chan error, 2)
	go func() { errCh <- httpServer.ListenAndServe() }()

	if cfg.Server.RPCEnabled {
		rpcServer := rpc.NewServer(rpc.ServerConfig{Orchestrator: orch})
		go func() { errCh <- rpcServer.Run(ctx) }()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	orch, closer, err := buildOrchestrator()
	if err != nil {
		return err
	}
	defer closer()

	st := orch.Status(context.Background())

	format, _ := cmd.Flags().GetString("format")
	if format == "json" {
		return json.NewEncoder(os.Stdout).Encode(st)
	}

	fmt.Printf("enabled:              %v\n", st.Enabled)
	fmt.Printf("model_downloaded:     %v\n", st.ModelDownloaded)
	fmt.Printf("model_loaded:         %v\n", st.ModelLoaded)
	if st.DownloadProgress != nil {
		fmt.Printf("download_progress:    %.1f%%\n", *st.DownloadProgress*100)
	}
	fmt.Printf("indexed:              %d/%d\n", st.IndexedCount, st.TotalTextCount)
	fmt.Printf("indexing_in_progress: %v\n", st.IndexingInProgress)
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	orch, closer, err := buildOrchestrator()
	if err != nil {
		return err
	}
	defer closer()

	query := args[0]
	limit, _ := cmd.Flags().GetInt("limit")
	format, _ := cmd.Flags().GetString("format")

	hits, err := orch.Search(context.Background(), query, limit)
	if err != nil {
		return err
	}

	if format == "json" {
		return json.NewEncoder(os.Stdout).Encode(hits)
	}

	if len(hits) == 0 {
		fmt.Println("No results found.")
		return nil
	}
	for i, h := range hits {
		fmt.Printf("%d. (score %.3f) %s\n", i+1, h.Score, h.Item.Content)
	}
	return nil
}

const statusPollInterval = 250 * time.Millisecond

func runDownloadModel(cmd *cobra.Command, args []string) error {
	orch, closer, err := buildOrchestrator()
	if err != nil {
		return err
	}
	defer closer()

	ctx := context.Background()
	if err := orch.StartDownload(ctx); err != nil {
		return err
	}

	fmt.Println("Downloading model...")
	for {
		time.Sleep(statusPollInterval)
		st := orch.Status(ctx)
		if st.DownloadProgress == nil {
			break
		}
		fmt.Printf("\r  %.1f%%", *st.DownloadProgress*100)
	}
	fmt.Println()

	if orch.Status(ctx).ModelDownloaded {
		fmt.Println("Model downloaded.")
		return nil
	}
	return fmt.Errorf("download did not complete successfully")
}

func runManualDownloadInfo(cmd *cobra.Command, args []string) error {
	orch, closer, err := buildOrchestrator()
	if err != nil {
		return err
	}
	defer closer()

	info := orch.ManualDownloadInfo()
	fmt.Printf("url:         %s\n", info.URL)
	fmt.Printf("target_path: %s\n", info.TargetPath)
	fmt.Printf("filename:    %s\n", info.Filename)
	return nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	orch, closer, err := buildOrchestrator()
	if err != nil {
		return err
	}
	defer closer()

	ctx := context.Background()
	if err := orch.StartBulkIndexing(ctx); err != nil {
		return err
	}

	fmt.Println("Indexing...")
	for orch.Status(ctx).IndexingInProgress {
		time.Sleep(statusPollInterval)
	}

	st := orch.Status(ctx)
	fmt.Printf("Indexed %d/%d items.\n", st.IndexedCount, st.TotalTextCount)
	return nil
}

func runRebuild(cmd *cobra.Command, args []string) error {
	orch, closer, err := buildOrchestrator()
	if err != nil {
		return err
	}
	defer closer()

	ctx := context.Background()
	if err := orch.RebuildIndex(ctx); err != nil {
		return err
	}

	fmt.Println("Rebuilding...")
	for orch.Status(ctx).IndexingInProgress {
		time.Sleep(statusPollInterval)
	}

	st := orch.Status(ctx)
	fmt.Printf("Rebuilt index with %d/%d items.\n", st.IndexedCount, st.TotalTextCount)
	return nil
}
