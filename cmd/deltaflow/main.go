package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"

	"github.com/deltaflow/deltaflow/internal/alert"
	"github.com/deltaflow/deltaflow/internal/cdc"
	"github.com/deltaflow/deltaflow/internal/config"
	"github.com/deltaflow/deltaflow/internal/delta"
	"github.com/deltaflow/deltaflow/internal/metrics"
	"github.com/deltaflow/deltaflow/internal/sink"
	"github.com/deltaflow/deltaflow/internal/source"
	"github.com/deltaflow/deltaflow/internal/storage"
	"github.com/deltaflow/deltaflow/internal/stream"
)

const version = "v0.3.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "deltaflow",
	Short: "Deltaflow - change data capture normalizer",
	Long:  `Normalizes MySQL, Oracle, SQL Server and PostgreSQL change streams into DDL and DML events`,
}

var (
	replayEngine   string
	replayDatabase string
	replayTables   []string
	resetOffset    bool
	allOffsets     bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "deltaflow.yaml", "config file path")

	offsetsCmd.Flags().BoolVar(&resetOffset, "reset", false, "delete the stored offset")
	offsetsCmd.Flags().BoolVar(&allOffsets, "all", false, "list the offsets of every pipeline in the store")

	replayCmd.Flags().StringVar(&replayEngine, "engine", "", "source engine of the recorded events")
	replayCmd.Flags().StringVar(&replayDatabase, "database", "", "source database name")
	replayCmd.Flags().StringSliceVar(&replayTables, "table", nil, "allow-listed table as table or schema.table")
	replayCmd.MarkFlagRequired("engine")
	replayCmd.MarkFlagRequired("database")
	replayCmd.MarkFlagRequired("table")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(offsetsCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(replayCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("deltaflow %s\n", version)
		fmt.Printf("Engines: %v\n", source.Engines())
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the capture pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setupLogging(cfg.Log); err != nil {
			return err
		}

		dialect, err := source.ForEngine(cfg.Source.Engine)
		if err != nil {
			return err
		}

		store, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		initial, err := store.LoadOffset(cfg.Pipeline)
		if err != nil {
			return fmt.Errorf("failed to load offset: %w", err)
		}

		engine, err := buildEngine(cfg)
		if err != nil {
			return err
		}

		downstream, closeSink, err := buildSink(cfg)
		if err != nil {
			return err
		}
		defer closeSink()

		m := metrics.New()
		var srv *http.Server
		if cfg.Metrics.Addr != "" {
			srv = serveMetrics(cfg.Metrics.Addr, m)
		}

		var session *cdc.Session
		emitter := sink.NewCommitter(downstream, store, cfg.Pipeline, string(dialect.Engine()), func() string {
			return session.ID()
		})

		session = cdc.NewSession(&cdc.SessionConfig{
			Name:         cfg.Pipeline,
			Database:     cfg.Source.Database,
			Tables:       cfg.TableSpecs(),
			TimeAdjuster: cfg.Source.TimeAdjuster,
			StopTimeout:  cfg.Session.StopTimeout,
		}, dialect, engine, emitter)
		alerts := alert.NewManager(alert.Options{
			Enabled:      cfg.Alerts.Enabled,
			SlackWebhook: cfg.Alerts.SlackWebhook,
			Pipeline:     cfg.Pipeline,
		})
		session.SetMetrics(m)
		session.SetNotifier(alerts)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := session.Start(ctx, initial); err != nil {
			rejected := alert.Alert{
				Severity: alert.SeverityCritical,
				Title:    "Capture session rejected",
				Engine:   string(dialect.Engine()),
				Offset:   initial.String(),
				Err:      err,
			}
			if aerr := alerts.Send(ctx, rejected); aerr != nil {
				log.Warn().Err(aerr).Msg("Failed to send system alert")
			}
			return fmt.Errorf("failed to start session: %w", err)
		}
		if err := store.SetMetadata("last_session_id", session.ID()); err != nil {
			log.Warn().Err(err).Msg("Failed to record session id")
		}

		log.Info().
			Str("pipeline", cfg.Pipeline).
			Str("engine", string(dialect.Engine())).
			Str("transport", cfg.Transport.Type).
			Str("session", session.ID()).
			Msg("Deltaflow is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info().Msg("Shutting down")
		case <-session.Done():
		}

		err = session.Stop(context.Background())

		status := session.Status()
		tracked := make([]string, len(status.TrackedTables))
		for i, t := range status.TrackedTables {
			tracked[i] = t.String()
		}
		log.Info().
			Str("session", status.ID).
			Strs("tracked_tables", tracked).
			Time("started_at", status.StartedAt).
			Str("last_offset", status.LastOffset.String()).
			Msg("Capture session released")
		if err != nil {
			err = fmt.Errorf("session failed: %w", err)
		}
		if srv != nil {
			err = errs.Combine(err, srv.Close())
		}
		if err != nil {
			return err
		}

		log.Info().Str("pipeline", cfg.Pipeline).Msg("Deltaflow stopped")
		return nil
	},
}

var offsetsCmd = &cobra.Command{
	Use:   "offsets",
	Short: "Display the stored offset and its engine settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		dialect, err := source.ForEngine(cfg.Source.Engine)
		if err != nil {
			return err
		}

		store, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if resetOffset {
			if err := store.DeleteOffset(cfg.Pipeline); err != nil {
				return fmt.Errorf("failed to reset offset: %w", err)
			}
			fmt.Printf("Offset for pipeline %s deleted\n", cfg.Pipeline)
			return nil
		}

		if allOffsets {
			entries, err := store.ListOffsets()
			if err != nil {
				return fmt.Errorf("failed to list offsets: %w", err)
			}
			for _, e := range entries {
				fmt.Printf("  - %s (%s) %s at %s\n", e.Pipeline, e.Engine, e.Offset, e.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		}

		entry, err := store.GetOffset(cfg.Pipeline)
		if errors.Is(err, storage.ErrNotFound) {
			fmt.Printf("Pipeline: %s\n  No offset stored yet\n", cfg.Pipeline)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read offset: %w", err)
		}

		fmt.Printf("Pipeline: %s\n", entry.Pipeline)
		fmt.Printf("Engine: %s\n", entry.Engine)
		fmt.Printf("Session: %s\n", entry.SessionID)
		if last, err := store.GetMetadata("last_session_id"); err == nil && last != entry.SessionID {
			fmt.Printf("Last started session: %s\n", last)
		}
		fmt.Printf("Updated: %s\n", entry.UpdatedAt.Format(time.RFC3339))
		fmt.Printf("Offset: %s\n", entry.Offset)

		settings, err := json.MarshalIndent(dialect.Bootstrap(entry.Offset, cfg.TableSpecs()), "", "  ")
		if err != nil {
			return err
		}
		fmt.Printf("Engine settings:\n%s\n", settings)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the source database is reachable and has every allow-listed table",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		dialect, err := source.ForEngine(cfg.Source.Engine)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		db, err := source.NewClientFactory(dialect, cfg.Source.Conn()).Open(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		missing, err := source.MissingTables(ctx, db, dialect, cfg.TableSpecs())
		if err != nil {
			return err
		}

		fmt.Printf("Connected to %s at %s:%d\n", dialect.Engine(), cfg.Source.Host, cfg.Source.Port)
		if len(missing) == 0 {
			fmt.Printf("  OK: all %d tables present\n", len(cfg.Tables))
			return nil
		}
		for _, t := range missing {
			fmt.Printf("  MISSING: %s\n", t)
		}
		return fmt.Errorf("%d of %d tables missing", len(missing), len(cfg.Tables))
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Normalize a file of recorded Debezium events to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(config.LogConfig{Level: "info", Format: "console"}); err != nil {
			return err
		}

		dialect, err := source.ForEngine(replayEngine)
		if err != nil {
			return err
		}

		tables, err := parseTables(replayTables, replayDatabase)
		if err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer f.Close()

		session := cdc.NewSession(&cdc.SessionConfig{
			Name:         "replay",
			Database:     replayDatabase,
			Tables:       tables,
			TimeAdjuster: true,
		}, dialect, stream.NewFileEngine(f), sink.NewPrinter(os.Stdout))

		if err := session.Start(context.Background(), delta.Offset{}); err != nil {
			return err
		}
		<-session.Done()
		return session.Err()
	},
}

func openStorage(cfg *config.Config) (*storage.Storage, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.New(filepath.Join(cfg.Storage.DataDir, "deltaflow.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return store, nil
}

func serveMetrics(addr string, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	return srv
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
