package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"rhythmchamber/internal/app"
	"rhythmchamber/internal/oauth"
)

// statusCmd prints a diagnostic snapshot of the concurrency core
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a diagnostic snapshot of this workspace",
	Long: `Initialize the workspace singletons and print their state: lock registry,
operation queue counters, budget tree, breaker state, vector store metrics,
cross-instance coordination and the trust plane.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := app.Init(ctx, cfg, app.Options{Session: oauth.NewMemorySession()})
	if err != nil {
		return err
	}
	defer a.Destroy(ctx)

	fmt.Printf("Workspace:      %s\n", cfg.Workspace)
	fmt.Printf("Tab:            %s\n", a.Coordinator.TabID())

	// Give the election a moment; a solo instance claims primary quickly.
	deadline := time.Now().Add(cfg.GetElectionTimeout() + 200*time.Millisecond)
	for time.Now().Before(deadline) && !a.Coordinator.IsPrimary() {
		time.Sleep(10 * time.Millisecond)
	}
	fmt.Printf("Primary:        %v\n", a.Coordinator.IsPrimary())

	fmt.Println("\nLocks:")
	locks := a.Locks.Snapshot()
	if len(locks) == 0 {
		fmt.Println("  (none held)")
	}
	for _, info := range locks {
		fmt.Printf("  %-24s owner=%s held=%s waiters=%d\n",
			info.Name, info.OwnerID, time.Since(info.AcquiredAt).Round(time.Millisecond), info.Waiters)
	}

	stats := a.Queue.GetStats()
	fmt.Println("\nOperation queue:")
	fmt.Printf("  pending=%d completed=%d failed=%d cancelled=%d\n",
		stats.Pending, stats.Completed, stats.Failed, stats.Cancelled)

	fmt.Println("\nBudgets:")
	fmt.Printf("  active=%d\n", a.Budgets.ActiveCount())

	fmt.Println("\nBreaker:")
	fmt.Printf("  state=%s calls_this_turn=%d\n", a.Breaker.State(), a.Breaker.CallCount())

	fmt.Println("\nVector store:")
	fmt.Printf("  chunks=%d\n", a.Vectors.Count())
	retry := a.Vectors.RetryQueueMetrics()
	fmt.Printf("  retry_queue=%d oldest_retry=%dms max_attempts=%d\n",
		retry.Size, retry.OldestRetryAgeMS, retry.MaxRetryCount)

	fmt.Println("\nEmbedding:")
	if a.Tasks == nil {
		fmt.Println("  backend unavailable (keyword-only)")
	} else {
		task := a.Tasks.GetStatus()
		fmt.Printf("  state=%s progress=%d/%d\n", task.State, task.Processed, task.Total)
		if a.Tasks.CanRecover() {
			fmt.Println("  checkpoint present; an interrupted task can resume")
		}
	}

	fmt.Println("\nTrust plane:")
	fmt.Printf("  vault_session=%d\n", a.Vault.SessionVersion())
	fmt.Printf("  access_token_valid=%v\n", a.Tokens.HasValidToken())
	if token := a.License.Load(); token == "" {
		fmt.Println("  license=none")
	} else {
		result := a.License.Verify(ctx, token)
		fmt.Printf("  license_valid=%v tier=%s offline=%v\n", result.Valid, result.Tier, result.OfflineMode)
	}
	return nil
}
