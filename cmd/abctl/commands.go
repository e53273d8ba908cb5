package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/omnisearch/omnisearch/abengine/internal/analytics"
	"github.com/omnisearch/omnisearch/abengine/internal/audit"
	"github.com/omnisearch/omnisearch/abengine/internal/engine"
	"github.com/omnisearch/omnisearch/abengine/internal/experiment"
	"github.com/omnisearch/omnisearch/abengine/internal/storage"
)

var (
	splitRatio  float64
	userID      string
	variantName string
	days        int
	auditFile   string
	brokers     []string
	topic       string
	group       string
	idleTimeout time.Duration
	confirmed   bool

	assignCmd = &cobra.Command{
		Use:   "assign [user_id]",
		Short: "Assign a user to a variant, or show the existing assignment",
		Args:  cobra.ExactArgs(1),
		RunE:  runAssign,
	}
	ctrCmd = &cobra.Command{
		Use:   "ctr",
		Short: "Click-through rate, optionally per user or variant",
		RunE:  runCTR,
	}
	compareCmd = &cobra.Command{
		Use:   "compare",
		Short: "Compare variants side by side and name the CTR winner",
		RunE:  runCompare,
	}
	summaryCmd = &cobra.Command{
		Use:   "summary [user_id]",
		Short: "Everything recorded for one user",
		Args:  cobra.ExactArgs(1),
		RunE:  runSummary,
	}
	analyzeCmd = &cobra.Command{
		Use:   "analyze",
		Short: "Compute the variant comparison from an audit file, offline",
		RunE:  runAnalyze,
	}
	replayCmd = &cobra.Command{
		Use:   "replay",
		Short: "Rebuild the configured store from the Kafka audit topic",
		RunE:  runReplay,
	}
	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Delete every assignment and event",
		RunE:  runReset,
	}
)

func init() {
	assignCmd.Flags().Float64Var(&splitRatio, "ratio", -1, "probability of the first variant (default: configured ratio)")

	ctrCmd.Flags().StringVar(&userID, "user", "", "only this user")
	ctrCmd.Flags().StringVar(&variantName, "variant", "", "only this variant")
	for _, c := range []*cobra.Command{ctrCmd, compareCmd, summaryCmd, analyzeCmd} {
		c.Flags().IntVar(&days, "days", 7, "lookback window in days, 0 for all time")
	}

	analyzeCmd.Flags().StringVar(&auditFile, "file", "", "audit JSONL file (default: configured audit path)")

	replayCmd.Flags().StringSliceVar(&brokers, "brokers", nil, "Kafka brokers (default: configured brokers)")
	replayCmd.Flags().StringVar(&topic, "topic", "", "audit topic (default: configured topic)")
	replayCmd.Flags().StringVar(&group, "group", "", "consumer group (default: configured group)")
	replayCmd.Flags().DurationVar(&idleTimeout, "idle", 10*time.Second, "stop after this long without messages")

	resetCmd.Flags().BoolVar(&confirmed, "yes", false, "confirm deleting all experiment data")
}

func runAssign(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	ratio := splitRatio
	if ratio < 0 {
		ratio = eng.Registry.SplitRatio()
	}
	a, err := eng.Registry.Assign(ctx, args[0], ratio, map[string]string{"source": "abctl"})
	if err != nil {
		return err
	}
	return printJSON(cmd, a)
}

func runCTR(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	f := analytics.Filter{IdentityID: userID, Lookback: analytics.LookbackDays(days)}
	if variantName != "" {
		v, err := experiment.ParseVariant(variantName)
		if err != nil {
			return err
		}
		f.Variant = v
	}

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	res, err := eng.Analytics.CTR(ctx, f)
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}

func runCompare(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	cmp, err := eng.Analytics.VariantComparison(ctx, analytics.LookbackDays(days))
	if err != nil {
		return err
	}
	return printJSON(cmd, cmp)
}

func runSummary(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	s, err := eng.Analytics.UserSummary(ctx, args[0], analytics.LookbackDays(days))
	if err != nil {
		return err
	}
	return printJSON(cmd, s)
}

// runAnalyze replays an audit file into a throwaway in-memory engine
func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	path := auditFile
	if path == "" {
		path = cfg.Audit.Path
	}

	records, err := audit.ReadFile(ctx, path)
	if err != nil {
		return err
	}

	eng, cleanup, err := scratchEngine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	handle := eng.ReplayHandler()
	for _, rec := range records {
		if err := handle(ctx, rec); err != nil {
			log.Warn().Err(err).Str("kind", rec.Kind).Msg("Skipping audit record")
		}
	}

	cmp, err := eng.Analytics.VariantComparison(ctx, analytics.LookbackDays(days))
	if err != nil {
		return err
	}
	overview, err := eng.Analytics.Overview(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]interface{}{
		"file":       path,
		"records":    len(records),
		"overview":   overview,
		"comparison": cmp,
	})
}

// scratchEngine is an engine over memory whose audit trail lives in a temp dir
func scratchEngine(ctx context.Context) (*engine.Engine, func(), error) {
	dir, err := os.MkdirTemp("", "abctl-analyze-")
	if err != nil {
		return nil, nil, err
	}
	l, err := storage.OpenFileLog(filepath.Join(dir, "audit.jsonl"), 0)
	if err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}

	eng, err := openEngine(ctx, engine.WithBackend(storage.NewMemory()), engine.WithTrail(audit.NewTrail(l)))
	if err != nil {
		l.Close()
		os.RemoveAll(dir)
		return nil, nil, err
	}
	return eng, func() {
		eng.Close()
		os.RemoveAll(dir)
	}, nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	kcfg := cfg.Audit.Kafka
	if len(brokers) > 0 {
		kcfg.Brokers = brokers
	}
	if topic != "" {
		kcfg.Topic = topic
	}
	if group != "" {
		kcfg.ConsumerGroup = group
	}
	if len(kcfg.Brokers) == 0 {
		return errors.New("no Kafka brokers: pass --brokers or set audit.kafka.brokers")
	}

	// The trail is the source being replayed, do not mirror it back
	cfg.Audit.Kafka.Brokers = nil
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	replayer := audit.NewReplayer(kcfg, eng.ReplayHandler(), idleTimeout)
	defer replayer.Close()

	n, err := replayer.Run(ctx)
	if err != nil {
		return fmt.Errorf("replay stopped after %d records: %w", n, err)
	}
	if _, err := eng.Flush(ctx); err != nil {
		log.Warn().Err(err).Msg("Replayed records still pending for the primary backend")
	}
	return printJSON(cmd, map[string]interface{}{
		"replayed": n,
		"topic":    kcfg.Topic,
		"storage":  eng.Stats(),
	})
}

func runReset(cmd *cobra.Command, args []string) error {
	if !confirmed {
		return errors.New("refusing to reset without --yes")
	}

	ctx := cmd.Context()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.Reset(ctx, true); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Experiment data cleared")
	return nil
}
