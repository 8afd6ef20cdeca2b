package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/goodtune/screenpact/internal/config"
	"github.com/goodtune/screenpact/internal/storage"
	"github.com/goodtune/screenpact/internal/storage/bolt"
	"github.com/goodtune/screenpact/internal/study"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the owner's current tracking state",
	Long:  `Print the configured goal, condition, current bucket usage, points balance, and pending uploads.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
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
	prefs := store.Prefs()

	printCheckHeader("SCREENPACT STATUS")

	ownerID, err := prefs.OwnerID(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			color.New(color.FgYellow).Println("No owner configured.")
			return nil
		}
		return fmt.Errorf("failed to read owner: %w", err)
	}
	printField("Owner", ownerID)

	goal, goalErr := prefs.Goal(ctx, ownerID)
	if goalErr != nil {
		if !errors.Is(goalErr, storage.ErrNotFound) {
			return fmt.Errorf("failed to read goal: %w", goalErr)
		}
		color.New(color.FgYellow).Println("  No goal configured, tracking is idle.")
	} else {
		printField("Target", goal.TargetPackage)
		printField("Daily goal", goal.DailyGoal().String())
	}

	if cond, err := prefs.Condition(ctx, ownerID); err == nil {
		label := string(cond.Kind)
		if cond.Kind == study.Flexible {
			label = fmt.Sprintf("%s (earn %d, lose %d)", cond.Kind, cond.Earn, cond.Lose)
			if cond.Locked {
				label += " [locked]"
			}
		}
		printField("Condition", label)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to read condition: %w", err)
	}

	if snap, err := prefs.AccumulatorSnapshot(ctx, ownerID); err == nil {
		printField("Bucket start", snap.BucketStart.Format("2006-01-02 15:04"))
		accumulated := fmt.Sprintf("%dm", snap.AccumulatedMS/60000)
		if snap.Warned100 {
			accumulated += " (limit reached)"
		} else if snap.Warned90 {
			accumulated += " (90% warned)"
		}
		printField("Accumulated", accumulated)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to read accumulator snapshot: %w", err)
	}

	if balance, err := prefs.PointsBalance(ctx, ownerID); err == nil {
		printField("Points", fmt.Sprintf("%d", balance))
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to read points balance: %w", err)
	}

	if outcome, err := prefs.SettlementOutcome(ctx, ownerID); err == nil {
		result := "missed"
		if outcome.GoalReached {
			result = "reached"
		}
		printField("Last settle", fmt.Sprintf("%s, goal %s, delta %+d",
			outcome.CheckedAt.Format("2006-01-02 15:04"), result, outcome.PointsDelta))
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to read settlement outcome: %w", err)
	}

	pending, err := store.Records().FetchUnuploaded(ctx, ownerID, cfg.Reconcile.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to count pending uploads: %w", err)
	}
	pendingLabel := fmt.Sprintf("%d", len(pending))
	if len(pending) == cfg.Reconcile.BatchSize {
		pendingLabel += "+"
	}
	printField("Pending", pendingLabel+" records awaiting upload")

	fmt.Println()
	return nil
}
