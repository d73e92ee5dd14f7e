/*
main.go - Application entry point

PURPOSE:
  rewardsd runs the family rewards ledger service and its operator tools.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve                 HTTP API, projector and key purge
  verify [ACCOUNT...]   Replay entry history and check conservation
  audit ACCOUNT         Print the audit trail of an account
  queue enqueue|list|sync|retry
                        Client-side offline queue (see queue.go)

STARTUP SEQUENCE (serve):
  1. Load config (file, .env, REWARDS_* env)
  2. Open store (SQLite file, or ":memory:")
  3. Build ledger, streak engine, achievement evaluator, projector
  4. Configure HTTP router
  5. Start server with graceful shutdown

GLOBAL FLAGS:
  --config     TOML config file
  --db         Database path override ("memory" or ":memory:" for in-memory)
  --log-level  Log level override

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (shutdown_timeout)
  3. Stop the projector after its current entry
  4. Close database connection

EXAMPLES:
  rewardsd serve --config ./rewards.toml
  rewardsd serve --db=":memory:"
  rewardsd verify fam-1:kid-1

SEE ALSO:
  - config/config.go: Settings and environment overrides
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/chore-rewards/achievement"
	"github.com/warp/chore-rewards/api"
	"github.com/warp/chore-rewards/config"
	"github.com/warp/chore-rewards/ledger"
	"github.com/warp/chore-rewards/ledger/store"
	"github.com/warp/chore-rewards/metrics"
	"github.com/warp/chore-rewards/projector"
	"github.com/warp/chore-rewards/store/sqlite"
	"github.com/warp/chore-rewards/streak"
)

var rootCmd = &cobra.Command{
	Use:           "rewardsd",
	Short:         "Family rewards ledger",
	Long:          `rewardsd awards points for approved chores, redeems them for rewards, and keeps streaks and achievements up to date.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to TOML config file")
	rootCmd.PersistentFlags().String("db", "", "Database path (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (overrides config)")

	auditCmd.Flags().String("from", "", "Start time, RFC 3339 (inclusive)")
	auditCmd.Flags().String("to", "", "End time, RFC 3339 (exclusive)")
	auditCmd.Flags().Int("limit", 100, "Maximum entries")

	rootCmd.AddCommand(serveCmd, verifyCmd, auditCmd, queueCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// =============================================================================
// SETUP
// =============================================================================

// setup loads config and builds the logger. Flag overrides win over file
// and environment.
func setup(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, nil, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Database.Path = db
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	log, err := cfg.Log.NewLogger()
	if err != nil {
		return cfg, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return cfg, log, nil
}

// openStore opens the SQLite store at path, or an in-memory store.
func openStore(path string) (ledger.Store, io.Closer, error) {
	if path == "memory" || path == ":memory:" {
		return store.NewMemory(), io.NopCloser(nil), nil
	}
	s, err := sqlite.New(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, s, nil
}

// services is the wired server-side object graph.
type services struct {
	store     ledger.Store
	ledger    *ledger.Ledger
	streaks   *streak.Engine
	evaluator *achievement.Evaluator
	projector *projector.Projector
}

func buildServices(cfg config.Config, st ledger.Store, log *zap.Logger, m *metrics.Metrics) (*services, error) {
	catalog := achievement.DefaultCatalog()
	if cfg.Achievements.File != "" {
		c, err := achievement.LoadFile(cfg.Achievements.File)
		if err != nil {
			return nil, err
		}
		catalog = c
	}

	l := ledger.New(st, ledger.Options{
		IdempotencyTTL: cfg.Ledger.IdempotencyTTL,
		MaxAttempts:    cfg.Ledger.MaxAttempts,
		Log:            log.Named("ledger"),
		Metrics:        m,
	})
	streaks := streak.NewEngine(st, streak.Options{
		Policy:          cfg.Streak.Policy,
		DefaultLocation: cfg.Location(),
		Log:             log.Named("streak"),
		Metrics:         m,
	})
	evaluator := achievement.NewEvaluator(st, achievement.Options{
		Catalog: catalog,
		Log:     log.Named("achievement"),
		Metrics: m,
	})
	p := projector.New(st, streaks, evaluator, projector.Options{
		Interval:      cfg.Projector.Interval,
		BatchSize:     cfg.Projector.BatchSize,
		PurgeInterval: cfg.Projector.PurgeInterval,
		Log:           log.Named("projector"),
		Metrics:       m,
	})
	// Commit notifications only shorten the projector's wait.
	l.OnCommit = func(ledger.Entry) { p.Wake() }

	return &services{store: st, ledger: l, streaks: streaks, evaluator: evaluator, projector: p}, nil
}

// =============================================================================
// SERVE
// =============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background projector",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	st, closer, err := openStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer closer.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	svc, err := buildServices(cfg, st, log, m)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc.projector.Start(ctx)
	defer svc.projector.Stop()

	handler := api.NewHandler(svc.ledger, svc.streaks, svc.evaluator, log.Named("http"))
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        m,
		Gatherer:       reg,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("db", cfg.Database.Path))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

// =============================================================================
// VERIFY / AUDIT
// =============================================================================

var verifyCmd = &cobra.Command{
	Use:   "verify [ACCOUNT...]",
	Short: "Check every account (or the given ones) against its entry history",
	RunE:  runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	st, closer, err := openStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer closer.Close()
	l := ledger.New(st, ledger.Options{Log: log})
	ctx := cmd.Context()

	ids := make([]ledger.AccountID, 0, len(args))
	for _, a := range args {
		ids = append(ids, ledger.AccountID(a))
	}
	if len(ids) == 0 {
		accounts, err := st.ListAccounts(ctx)
		if err != nil {
			return err
		}
		for _, a := range accounts {
			ids = append(ids, a.ID)
		}
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tENTRIES\tEARNED\tREDEEMED\tBALANCE\tSTATUS")
	failed := 0
	for _, id := range ids {
		report, err := l.Verify(ctx, id)
		if err != nil {
			return err
		}
		status := "ok"
		if !report.OK() {
			failed++
			status = fmt.Sprintf("%d problems", len(report.Problems))
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n",
			report.AccountID, report.Entries, report.Earned, report.Redeemed, report.Balance, status)
		for _, p := range report.Problems {
			fmt.Fprintf(w, "\t\t\t\t\t%s\n", p)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d accounts failed verification", failed, len(ids))
	}
	return nil
}

var auditCmd = &cobra.Command{
	Use:   "audit ACCOUNT",
	Short: "Print the audit trail of an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAudit,
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	filter := ledger.AuditFilter{AccountID: ledger.AccountID(args[0])}
	filter.Limit, _ = cmd.Flags().GetInt("limit")
	for name, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		v, _ := cmd.Flags().GetString(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fmt.Errorf("--%s: %w", name, err)
		}
		*dst = t
	}

	st, closer, err := openStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer closer.Close()
	l := ledger.New(st, ledger.Options{Log: log})

	entries, err := l.Audit(cmd.Context(), filter)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tACTION\tACTOR\tAMOUNT\tBALANCE\tENTRY\tNOTE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			e.At.Format(time.RFC3339), e.Action, e.ActorID, e.Amount, e.BalanceAfter, e.EntryID, e.Note)
	}
	return w.Flush()
}
