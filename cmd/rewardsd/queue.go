package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/chore-rewards/config"
	"github.com/warp/chore-rewards/ledger"
	"github.com/warp/chore-rewards/offline"
)

// ─── queue ─────────────────────────────────────────────────────────────────

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the offline action queue",
	Long: `Manage the device-local queue of awards and redemptions.
Actions are stored before any network attempt and replayed in order with
the same idempotency key until the server confirms or rejects them.`,
}

func init() {
	queueEnqueueCmd.Flags().String("kind", string(ledger.KindAward), "award or redeem")
	queueEnqueueCmd.Flags().String("account", "", "Account id (family:member)")
	queueEnqueueCmd.Flags().String("ref", "", "Task id for awards, reward id for redemptions")
	queueEnqueueCmd.Flags().Int64("amount", 0, "Points")
	queueEnqueueCmd.Flags().String("actor", "", "Who performed the action")
	queueEnqueueCmd.Flags().String("note", "", "Audit note")
	queueEnqueueCmd.Flags().String("key", "", "Idempotency key (minted when empty)")
	queueEnqueueCmd.Flags().Bool("sync", false, "Drain the queue right after enqueueing")

	queueSyncCmd.Flags().Bool("watch", false, "Keep running and replay as actions become due")

	queueCmd.AddCommand(queueEnqueueCmd, queueListCmd, queueSyncCmd, queueRetryCmd)
}

// openQueue opens the queue file and HTTP transport from config.
func openQueue(cmd *cobra.Command) (*offline.Queue, *zap.Logger, error) {
	cfg, log, err := setup(cmd)
	if err != nil {
		return nil, nil, err
	}
	return openQueueFrom(cmd.Context(), cfg, log)
}

func openQueueFrom(ctx context.Context, cfg config.Config, log *zap.Logger) (*offline.Queue, *zap.Logger, error) {
	var st offline.Store
	if cfg.Queue.Path == ":memory:" {
		st = offline.NewMemoryStore()
	} else {
		s, err := offline.OpenSQLiteStore(cfg.Queue.Path)
		if err != nil {
			return nil, nil, err
		}
		st = s
	}

	tr := offline.NewHTTPTransport(cfg.Queue.ServerURL)
	tr.Token = cfg.Queue.Token

	q, err := offline.Open(ctx, st, tr, offline.Options{
		MaxAttempts:    cfg.Queue.MaxAttempts,
		Backoff:        offline.DefaultBackoff,
		AttemptTimeout: cfg.Queue.AttemptTimeout,
		PollInterval:   cfg.Queue.PollInterval,
		Log:            log.Named("queue"),
	})
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return q, log, nil
}

// ─── queue enqueue ─────────────────────────────────────────────────────────

var queueEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Store an award or redemption for delivery",
	Args:  cobra.NoArgs,
	RunE:  runQueueEnqueue,
}

func runQueueEnqueue(cmd *cobra.Command, _ []string) error {
	q, _, err := openQueue(cmd)
	if err != nil {
		return err
	}
	defer q.Close()

	flags := cmd.Flags()
	kind, _ := flags.GetString("kind")
	account, _ := flags.GetString("account")
	ref, _ := flags.GetString("ref")
	amount, _ := flags.GetInt64("amount")
	actor, _ := flags.GetString("actor")
	note, _ := flags.GetString("note")
	key, _ := flags.GetString("key")

	a, err := q.Enqueue(cmd.Context(), offline.EnqueueRequest{
		Key:       key,
		Kind:      ledger.Kind(kind),
		AccountID: ledger.AccountID(account),
		Ref:       ref,
		Amount:    amount,
		ActorID:   actor,
		Note:      note,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued %s %s %d points (key %s)\n", a.Kind, a.AccountID, a.Amount, a.Key)

	if doSync, _ := flags.GetBool("sync"); doSync {
		report, err := q.Drain(cmd.Context())
		printReport(cmd, report)
		return err
	}
	return nil
}

// ─── queue list ────────────────────────────────────────────────────────────

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

func runQueueList(cmd *cobra.Command, _ []string) error {
	q, _, err := openQueue(cmd)
	if err != nil {
		return err
	}
	defer q.Close()

	actions, err := q.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tKIND\tACCOUNT\tREF\tAMOUNT\tSTATUS\tATTEMPTS\tNEXT RETRY\tLAST ERROR")
	for _, a := range actions {
		next := "-"
		if !a.NextRetryAt.IsZero() {
			next = a.NextRetryAt.Local().Format(time.TimeOnly)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
			a.Key, a.Kind, a.AccountID, a.Ref, a.Amount, a.Status, a.Attempts, next, a.LastError)
	}
	return w.Flush()
}

// ─── queue sync ────────────────────────────────────────────────────────────

var queueSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay due actions against the server",
	Args:  cobra.NoArgs,
	RunE:  runQueueSync,
}

func runQueueSync(cmd *cobra.Command, _ []string) error {
	q, log, err := openQueue(cmd)
	if err != nil {
		return err
	}
	defer q.Close()

	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		log.Info("replaying queue until interrupted")
		return q.Run(ctx)
	}

	report, err := q.Drain(cmd.Context())
	printReport(cmd, report)
	return err
}

func printReport(cmd *cobra.Command, r offline.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "attempted %d, confirmed %d, failed %d, parked %d\n",
		r.Attempted, len(r.Confirmed), len(r.Failed), len(r.Parked))
	for _, a := range r.Failed {
		fmt.Fprintf(out, "  rejected %s: %s (%s)\n", a.Key, a.LastError, a.LastErrorKind)
	}
	for _, a := range r.Parked {
		fmt.Fprintf(out, "  needs retry %s: %s\n", a.Key, a.LastError)
	}
	if r.BlockedBy != "" {
		fmt.Fprintf(out, "  blocked by %s, run: rewardsd queue retry %s\n", r.BlockedBy, r.BlockedBy)
	}
	if r.Blocked && !r.NextRetryAt.IsZero() {
		fmt.Fprintf(out, "  waiting until %s\n", r.NextRetryAt.Local().Format(time.TimeOnly))
	}
}

// ─── queue retry ───────────────────────────────────────────────────────────

var queueRetryCmd = &cobra.Command{
	Use:   "retry KEY",
	Short: "Return a parked action to the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRetry,
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	q, _, err := openQueue(cmd)
	if err != nil {
		return err
	}
	defer q.Close()

	a, err := q.Retry(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is pending again\n", a.Key)
	return nil
}
