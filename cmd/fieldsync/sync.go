package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/anaemia-care/fieldsync/internal/cache"
	fsync "github.com/anaemia-care/fieldsync/internal/sync"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show connectivity and outbox status",
	Long: `Show whether the program API is reachable, how many writes are waiting
in the outbox and how the last sync went.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withApp(cmd.Context(), func(a *app) error {
			ctx := cmd.Context()
			state, err := a.monitor.CurrentState(ctx)
			if err != nil {
				return err
			}
			stats, err := a.queue.Stats(ctx)
			if err != nil {
				return err
			}
			unsynced, err := a.db.CountPendingBeneficiaries(ctx)
			if err != nil {
				return err
			}
			last, err := a.lastCycle(ctx)
			if err != nil && !errors.Is(err, cache.ErrMiss) {
				return err
			}

			if asJSON {
				return printJSON(map[string]any{
					"online":       state.Online(),
					"connected":    state.Connected,
					"outbox":       stats,
					"unsynced":     unsynced,
					"last_cycle":   last,
					"api_base_url": cfg.API.BaseURL,
				})
			}

			conn := renderPass("online")
			switch {
			case !state.Connected:
				conn = renderFail("offline")
			case !state.Online():
				conn = renderWarn("connected, API unreachable")
			}
			fmt.Printf("\n%s\n\n", renderTitle("fieldsync status"))
			fmt.Printf("API:        %s (%s)\n", cfg.API.BaseURL, conn)
			fmt.Printf("Outbox:     %d pending", stats.Pending)
			if stats.Failing > 0 {
				fmt.Printf(", %s", renderWarn(fmt.Sprintf("%d failing (max %d tries)", stats.Failing, stats.MaxTries)))
			}
			fmt.Println()
			if stats.OldestEntry != nil {
				fmt.Printf("Oldest:     %s ago\n", time.Since(*stats.OldestEntry).Round(time.Second))
			}
			fmt.Printf("Unsynced:   %d beneficiaries\n", unsynced)
			if last != nil {
				fmt.Printf("Last sync:  %s, %d ok, %d failed, %d remaining\n",
					last.StartedAt.Local().Format("2006-01-02 15:04:05"), last.Succeeded, last.Failed, last.Remaining)
			} else {
				fmt.Printf("Last sync:  %s\n", renderMuted("none recorded"))
			}
			fmt.Println()
			return nil
		})
	},
}

var drainCmd = &cobra.Command{
	Use:     "sync",
	Aliases: []string{"drain"},
	GroupID: "sync",
	Short:   "Deliver queued writes now",
	Long: `Run one sync cycle: deliver outbox entries in order, then refresh the
cached beneficiary list. Entries that fail stay queued and are retried on the
next cycle.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			res, err := a.engine.Drain(cmd.Context())
			if err != nil {
				return err
			}
			printCycle(res)
			return nil
		})
	},
}

var outboxCmd = &cobra.Command{
	Use:     "outbox",
	GroupID: "sync",
	Short:   "List queued writes",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")
		return withApp(cmd.Context(), func(a *app) error {
			entries, err := a.queue.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(entries)
			}
			if len(entries) == 0 {
				fmt.Printf("%s Outbox is empty\n", renderPass("✓"))
				return nil
			}
			width := terminalWidth() - 50
			if width < 20 {
				width = 20
			}
			fmt.Println(renderTitle(fmt.Sprintf("%-6s %-13s %-14s %-5s %s", "ID", "OP", "ENTITY", "TRIES", "LAST ERROR")))
			for _, e := range entries {
				lastErr := ""
				if e.LastError != nil {
					lastErr = renderWarn(truncate(*e.LastError, width))
				}
				fmt.Printf("%-6d %-13s %-14s %-5d %s\n", e.ID, e.Op, e.Entity, e.TryCount, lastErr)
			}
			return nil
		})
	},
}

func printCycle(res fsync.Result) {
	switch {
	case res.Aborted:
		fmt.Printf("%s Offline: stopped after %d of the batch, %d still queued\n",
			renderWarn("⚠"), res.Processed, res.Remaining)
	case res.Processed == 0:
		fmt.Printf("%s Nothing to sync\n", renderPass("✓"))
	case res.Failed > 0:
		fmt.Printf("%s Delivered %d, %d failed, %d still queued\n",
			renderWarn("⚠"), res.Succeeded, res.Failed, res.Remaining)
	default:
		fmt.Printf("%s Delivered %d in %v\n", renderPass("✓"), res.Succeeded, res.Duration.Round(time.Millisecond))
	}
	for _, f := range res.Failures {
		fmt.Printf("   #%d %s: %s\n", f.EntryID, f.Op, renderMuted(f.Error))
	}
	if res.Reconciled {
		fmt.Printf("   %s\n", renderMuted("beneficiary list refreshed"))
	}
}

func init() {
	statusCmd.Flags().Bool("json", false, "print JSON")
	outboxCmd.Flags().Int("limit", 50, "maximum entries to show")
	outboxCmd.Flags().Bool("json", false, "print JSON")

	rootCmd.AddCommand(statusCmd, drainCmd, outboxCmd)
}
