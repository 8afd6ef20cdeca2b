package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/screenpact/internal/config"
	"github.com/goodtune/screenpact/internal/notify"
	"github.com/goodtune/screenpact/internal/settle"
	"github.com/goodtune/screenpact/internal/storage"
	"github.com/goodtune/screenpact/internal/storage/bolt"
	"github.com/goodtune/screenpact/internal/study"
	"github.com/spf13/cobra"
)

var checkMinutes int

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check accounting decisions interactively",
	Long:  `Check what threshold or settlement decisions screenpact would make against the local store.`,
}

var checkThresholdCmd = &cobra.Command{
	Use:   "threshold",
	Short: "Check threshold notification decision",
	Long:  `Evaluate the threshold notifier for a hypothetical accumulated duration against the configured goal.`,
	Example: `  screenpact -c config.yaml check threshold --minutes 55
  screenpact check threshold --minutes 62`,
	RunE: runCheckThreshold,
}

var checkSettleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Dry-run one settlement window",
	Long:  `Compute what the next settlement would do against the local store without persisting anything.`,
	Example: `  screenpact -c config.yaml check settle`,
	RunE: runCheckSettle,
}

func init() {
	checkThresholdCmd.Flags().IntVar(&checkMinutes, "minutes", 0, "Hypothetical accumulated minutes (required)")
	checkThresholdCmd.MarkFlagRequired("minutes")

	checkCmd.AddCommand(checkThresholdCmd)
	checkCmd.AddCommand(checkSettleCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheckThreshold(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := bolt.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	ownerID, goal, cond, err := loadCheckPrereqs(ctx, store)
	if err != nil {
		return err
	}

	policy, err := buildBucketPolicy(cfg.Tracking)
	if err != nil {
		return fmt.Errorf("invalid bucket policy: %w", err)
	}

	accumulated := time.Duration(checkMinutes) * time.Minute
	bucketGoal := policy.GoalForBucket(goal.DailyGoal())
	warned90, warned100, intents := notify.Evaluate(accumulated, bucketGoal, false, false, cond)

	printCheckHeader("THRESHOLD CHECK")
	printField("Owner", ownerID)
	printField("Target", goal.TargetPackage)
	printField("Accumulated", accumulated.String())
	printField("Bucket goal", bucketGoal.String())

	if bucketGoal > 0 {
		pct := accumulated * 100 / bucketGoal
		c := color.New(color.FgGreen, color.Bold)
		if warned100 {
			c = color.New(color.FgRed, color.Bold)
		} else if warned90 {
			c = color.New(color.FgYellow, color.Bold)
		}
		fmt.Printf("  %-14s ", "Usage:")
		c.Printf("%d%%\n", pct)
	}

	fmt.Println()
	if len(intents) == 0 {
		color.New(color.FgGreen).Println("No notifications would fire.")
	}
	for _, intent := range intents {
		c := color.New(color.FgYellow, color.Bold)
		if intent.ID == notify.IDLimit100 {
			c = color.New(color.FgRed, color.Bold)
		}
		c.Printf("%s: %s\n", intent.ID, intent.Title)
		fmt.Printf("  %s\n", intent.Body)
	}
	fmt.Println()

	return nil
}

func runCheckSettle(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := bolt.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	ownerID, goal, cond, err := loadCheckPrereqs(ctx, store)
	if err != nil {
		return err
	}

	balance := 0
	if current, err := store.Prefs().PointsBalance(ctx, ownerID); err == nil {
		balance = current
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to read points balance: %w", err)
	}

	window := parseDuration(cfg.Settlement.Interval, 24*time.Hour)
	now := time.Now()
	total, err := store.Records().SumDuration(ctx, ownerID, goal.TargetPackage, now.Add(-window), now)
	if err != nil {
		return fmt.Errorf("failed to sum window usage: %w", err)
	}

	windowGoal := settle.WindowGoal(goal.DailyGoal(), window)
	reached := total <= windowGoal
	delta := cond.Delta(reached)
	newBalance := study.Clamp(balance + delta)

	printCheckHeader("SETTLEMENT DRY RUN")
	printField("Owner", ownerID)
	printField("Target", goal.TargetPackage)
	printField("Condition", string(cond.Kind))
	printField("Window", window.String())
	printField("Usage", total.String())
	printField("Window goal", windowGoal.String())

	fmt.Println()
	if reached {
		color.New(color.FgGreen, color.Bold).Println("Goal reached")
	} else {
		color.New(color.FgRed, color.Bold).Println("Goal missed")
	}
	fmt.Printf("Points delta: %+d\n", delta)
	fmt.Printf("Balance: %d -> %d\n", balance, newBalance)
	fmt.Println()
	color.New(color.FgCyan).Println("Nothing was persisted.")

	return nil
}

// loadCheckPrereqs reads the inputs both check commands share. A missing
// condition defaults to Control, same as the tracker.
func loadCheckPrereqs(ctx context.Context, store *bolt.Store) (string, storage.Goal, study.Condition, error) {
	prefs := store.Prefs()

	ownerID, err := prefs.OwnerID(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", storage.Goal{}, study.Condition{}, fmt.Errorf("no owner configured")
		}
		return "", storage.Goal{}, study.Condition{}, fmt.Errorf("failed to read owner: %w", err)
	}

	goal, err := prefs.Goal(ctx, ownerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", storage.Goal{}, study.Condition{}, fmt.Errorf("no goal configured for owner %s", ownerID)
		}
		return "", storage.Goal{}, study.Condition{}, fmt.Errorf("failed to read goal: %w", err)
	}

	cond, err := prefs.Condition(ctx, ownerID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return "", storage.Goal{}, study.Condition{}, fmt.Errorf("failed to read condition: %w", err)
		}
		cond = study.Condition{Kind: study.Control}
	}

	return ownerID, goal, cond, nil
}

func printCheckHeader(title string) {
	cyan := color.New(color.FgCyan, color.Bold)
	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println(title)
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

func printField(name, value string) {
	fmt.Printf("  %-14s %s\n", name+":", value)
}
