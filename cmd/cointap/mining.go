package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cointap/internal/app"
	"cointap/internal/engine"
	"cointap/internal/mining"
	"cointap/internal/repo"
)

func miningCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "mining",
		Short: "Reward cycles",
		Long: `Watch two ads (watch-ad), start a 12 hour cycle (start), then collect the reward once it completes (collect).
The cycle end time is stored, so a cycle keeps running while no process is alive.`,
	}
	m.AddCommand(miningActionCmd("status", "Show gate, cycle progress and balance", engine.Engine.MiningStatus))
	m.AddCommand(miningActionCmd("watch-ad", "Record one completed ad view", engine.Engine.RecordEngagement))
	m.AddCommand(miningActionCmd("start", "Start a mining cycle", engine.Engine.StartMining))
	m.AddCommand(miningActionCmd("stop", "Abandon the running cycle without reward", engine.Engine.StopMining))
	m.AddCommand(miningCollectCmd())
	m.AddCommand(miningWatchCmd())
	return m
}

func miningActionCmd(use, short string, run func(engine.Engine, context.Context, string) (mining.Snapshot, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := currentUser(ctx, rt)
				if err != nil {
					return err
				}
				snap, err := run(rt.Engine, ctx, u.ID)
				if err != nil {
					return err
				}
				return printSnapshot(snap, rt.Engine.Now())
			})
		},
	}
}

func miningCollectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Collect the reward of a complete cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := currentUser(ctx, rt)
				if err != nil {
					return err
				}
				res, err := rt.Engine.Collect(ctx, u.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Collected %s coins. Balance: %s\n", coins(res.Amount), coins(res.Balance))
				return nil
			})
		},
	}
}

func miningWatchCmd() *cobra.Command {
	var every time.Duration
	var autoCollect bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the cycle until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := currentUser(ctx, rt)
				if err != nil {
					return err
				}
				events := make(chan mining.Event, 16)
				cancel, err := rt.Engine.Subscribe(ctx, u.ID, func(evt mining.Event) {
					select {
					case events <- evt:
					default:
					}
				})
				if err != nil {
					return err
				}
				defer cancel()

				snap, err := rt.Engine.MiningStatus(ctx, u.ID)
				if err != nil {
					return err
				}
				fmt.Println(statusLine(snap, rt.Engine.Now()))
				if autoCollect && snap.Cycle.Phase == mining.PhaseComplete {
					collect(ctx, rt, u.ID)
				}
				ticker := time.NewTicker(every)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case evt := <-events:
						fmt.Printf("%s  %s\n", evt.At.Local().Format(time.Kitchen), describe(evt))
						if autoCollect && evt.Kind == mining.EventCycleComplete {
							collect(ctx, rt, u.ID)
						}
					case <-ticker.C:
						snap, err := rt.Engine.MiningStatus(ctx, u.ID)
						if err != nil {
							return err
						}
						fmt.Println(statusLine(snap, rt.Engine.Now()))
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&every, "every", time.Minute, "progress line interval")
	cmd.Flags().BoolVar(&autoCollect, "auto-collect", false, "collect as soon as the cycle completes")
	return cmd
}

func collect(ctx context.Context, rt *app.Runtime, userID string) {
	if _, err := rt.Engine.Collect(ctx, userID); err != nil {
		fmt.Println("collect failed:", err)
	}
}

func describe(evt mining.Event) string {
	switch evt.Kind {
	case mining.EventEngagementRecorded:
		return fmt.Sprintf("ad watched (%d/%d)", evt.Gate.Completed, evt.Gate.Required)
	case mining.EventGateSatisfied:
		return "ready to start mining"
	case mining.EventCycleStarted:
		return fmt.Sprintf("cycle started, ready %s", humanize.Time(evt.Cycle.ReadyAt))
	case mining.EventCycleComplete:
		return "cycle complete, reward ready to collect"
	case mining.EventCycleStopped:
		return "cycle stopped"
	case mining.EventSettled:
		return fmt.Sprintf("collected %s coins, balance %s", coins(evt.Amount), coins(evt.Balance))
	}
	if evt.Err != nil {
		return fmt.Sprintf("%s: %v", evt.Kind, evt.Err)
	}
	return string(evt.Kind)
}

func statusLine(s mining.Snapshot, now time.Time) string {
	switch s.Cycle.Phase {
	case mining.PhaseRunning:
		return fmt.Sprintf("mining %5.1f%%  %s left  balance %s", s.Progress, remaining(s.RemainingSeconds), coins(s.Balance))
	case mining.PhaseComplete:
		return fmt.Sprintf("complete since %s  balance %s", humanize.RelTime(s.Cycle.ReadyAt, now, "ago", "from now"), coins(s.Balance))
	}
	return fmt.Sprintf("idle  ads %d/%d  balance %s", s.Gate.Completed, s.Gate.Required, coins(s.Balance))
}

func printSnapshot(s mining.Snapshot, now time.Time) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	tw := newTable("Field", "Value")
	tw.AppendRows([]table.Row{
		{"Ads watched", fmt.Sprintf("%d/%d", s.Gate.Completed, s.Gate.Required)},
		{"Phase", s.Cycle.Phase},
	})
	switch s.Cycle.Phase {
	case mining.PhaseRunning:
		tw.AppendRow(table.Row{"Progress", fmt.Sprintf("%.1f%%", s.Progress)})
		tw.AppendRow(table.Row{"Remaining", remaining(s.RemainingSeconds)})
		tw.AppendRow(table.Row{"Ready at", s.Cycle.ReadyAt.Local().Format(time.DateTime)})
	case mining.PhaseComplete:
		tw.AppendRow(table.Row{"Ready", humanize.RelTime(s.Cycle.ReadyAt, now, "ago", "from now")})
	default:
		tw.AppendRow(table.Row{"Can start", s.CanStart})
	}
	tw.AppendRow(table.Row{"Reward", coins(s.Rate) + " / cycle"})
	tw.AppendRow(table.Row{"Balance", coins(s.Balance)})
	tw.Render()
	return nil
}

func walletCmd() *cobra.Command {
	w := &cobra.Command{Use: "wallet", Short: "Balance, history and transfers"}
	w.AddCommand(walletBalanceCmd())
	w.AddCommand(walletTxCmd())
	w.AddCommand(walletSendCmd())
	return w
}

func walletBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the acting user's balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := currentUser(ctx, rt)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"user_id": u.ID, "coins": u.Coins, "rank": u.Rank})
				}
				fmt.Printf("%s coins (%s)\n", coins(u.Coins), u.Rank)
				return nil
			})
		},
	}
}

func walletTxCmd() *cobra.Command {
	var limit int
	var cursor string
	cmd := &cobra.Command{
		Use:   "tx",
		Short: "Recent wallet activity, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cursorTS, cursorID, err := splitCursor(cursor)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := currentUser(ctx, rt)
				if err != nil {
					return err
				}
				items, err := rt.Engine.Transactions(ctx, engine.TransactionFilters{
					UserID:          u.ID,
					Limit:           limit,
					CursorCreatedAt: cursorTS,
					CursorID:        cursorID,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("When", "Type", "Amount", "Status", "Note")
				for _, t := range items {
					tw.AppendRow(table.Row{relTime(t.CreatedAt), t.Type, signed(t.Amount), t.Status, t.Note})
				}
				tw.Render()
				if n := len(items); n > 0 && n == limit {
					fmt.Printf("next: --cursor '%s|%s'\n", items[n-1].CreatedAt, items[n-1].ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", engine.DefaultTransactionLimit, "number of entries")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue after created_at|id")
	return cmd
}

func walletSendCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "send <email> <amount>",
		Short: "Send coins to another user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q", args[1])
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := currentUser(ctx, rt)
				if err != nil {
					return err
				}
				res, err := rt.Engine.Transfer(ctx, engine.TransferOptions{
					FromUserID: u.ID,
					ToEmail:    args[0],
					Amount:     amount,
					Note:       note,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Sent %s coins to %s. Balance: %s\n", coins(amount), args[0], coins(res.SenderBalance))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "message for the recipient")
	return cmd
}

func rankingsCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "rankings",
		Short: "Global ranking by coins",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				userID := ""
				if strings.TrimSpace(viper.GetString("user")) != "" {
					u, err := currentUser(ctx, rt)
					if err != nil {
						return err
					}
					userID = u.ID
				}
				r, err := rt.Engine.Rankings(ctx, userID, limit, offset)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				tw := newTable("#", "Name", "Coins", "Tier")
				for _, e := range r.Entries {
					tw.AppendRow(table.Row{humanize.Ordinal(e.Position), e.DisplayName, coins(e.Coins), e.Rank})
				}
				tw.Render()
				if r.Me != nil {
					fmt.Printf("You are %s with %s coins\n", humanize.Ordinal(r.Me.Position), coins(r.Me.Coins))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip entries")
	return cmd
}

func coins(v float64) string {
	return humanize.FormatFloat("#,###.##", v)
}

func signed(v float64) string {
	if v > 0 {
		return "+" + coins(v)
	}
	return coins(v)
}

func remaining(secs int64) string {
	return (time.Duration(secs) * time.Second).String()
}

func relTime(ts string) string {
	t, err := repo.ParseTime(ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}
