package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bwb-tools/efatura-export/internal/config"
	"github.com/bwb-tools/efatura-export/internal/efatura"
	"github.com/bwb-tools/efatura-export/internal/export"
	"github.com/bwb-tools/efatura-export/internal/logger"
	"github.com/bwb-tools/efatura-export/internal/store"
)

var (
	maxDocs          int
	rewriteExisting  bool
	saveEveryDocs    int
	saveEverySeconds int
	logFileOverride  string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Run one export pass over the configured date window",
	Long: `Lists every document in the configured date window, fetches and
parses each one, and rewrites its rows in the store. Documents that
already have rows are skipped unless --rewrite-existing is set or a
resume marker names them.`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().IntVar(&maxDocs, "max-docs", 0, "stop after processing this many documents (0 = no cap)")
	exportCmd.Flags().BoolVar(&rewriteExisting, "rewrite-existing", false, "reprocess documents that already have rows")
	exportCmd.Flags().IntVar(&saveEveryDocs, "save-every-docs", -1, "override checkpoint document threshold")
	exportCmd.Flags().IntVar(&saveEverySeconds, "save-every-seconds", -1, "override checkpoint time threshold")
	exportCmd.Flags().StringVar(&logFileOverride, "log-file", "", "override the log file path")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if saveEveryDocs >= 0 {
		cfg.SaveEveryDocs = saveEveryDocs
	}
	if saveEverySeconds >= 0 {
		cfg.SaveEverySeconds = saveEverySeconds
	}
	if logFileOverride != "" {
		cfg.LogFile = logFileOverride
	}

	if err := logger.OpenFile(cfg.LogFile); err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logger.Close()

	token, err := efatura.LoadToken(cfg.TokenFile)
	if err != nil {
		return err
	}
	if err := efatura.CheckToken(token, time.Now()); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dumps, err := store.NewDumpStore(cfg.DiagnosticsDir())
	if err != nil {
		return err
	}
	st, err := store.NewStore(cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	client := efatura.NewClient(ctx, token, efatura.Options{
		ServicesBase: cfg.ServicesBase,
		IAMBase:      cfg.IAMBase,
		RepoCode:     cfg.RepositoryCode,
		Timeout:      cfg.Timeout,
		Retries:      cfg.Retries,
		Backoff:      cfg.Backoff,
		Dumps:        dumps,
	})

	pipeline := &export.Pipeline{
		Config:          cfg,
		Client:          client,
		Store:           st,
		Dumps:           dumps,
		MaxDocs:         maxDocs,
		RewriteExisting: rewriteExisting,
	}

	result, err := pipeline.Run(ctx)
	if result != nil {
		cmd.Printf("Run %s\n", result.RunID)
		cmd.Printf("  documents processed: %d\n", result.DocumentsProcessed)
		cmd.Printf("  rows written:        %d\n", result.RowsWritten)
		cmd.Printf("  errors:              %d\n", result.ErrorCount)
		cmd.Printf("  skipped:             %d\n", result.Skipped)
		cmd.Printf("  store:               %s\n", result.StorePath)
	}
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	return nil
}
