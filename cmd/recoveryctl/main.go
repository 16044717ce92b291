// recoveryctl is the operator CLI for a running correlation-recovery-bot
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"correlation-recovery-bot/config"
	"correlation-recovery-bot/internal/auth"
	"correlation-recovery-bot/internal/hedge"
	"correlation-recovery-bot/internal/monitor"

	"github.com/gocarina/gocsv"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	serverURL  string
	token      string
	timeout    time.Duration
	configPath string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "recoveryctl",
		Short:        "Operate a running correlation-recovery-bot",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("RECOVERYCTL_SERVER", "http://localhost:8090"), "API base URL")
	root.PersistentFlags().StringVarP(&token, "token", "t", os.Getenv("RECOVERYCTL_TOKEN"), "Bearer token for operator actions")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "Request timeout")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "Bot config file (token command)")

	root.AddCommand(statusCmd())
	root.AddCommand(groupsCmd())
	root.AddCommand(recordsCmd())
	root.AddCommand(resetCmd())
	root.AddCommand(cycleCmd())
	root.AddCommand(tokenCmd())
	return root
}

func client() *apiClient {
	return newAPIClient(serverURL, token, timeout)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show health, tracker statistics and circuit breaker state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := client()

			var health struct {
				Status string            `json:"status"`
				Checks map[string]string `json:"checks"`
			}
			if err := c.get(ctx, "/api/health", &health); err != nil {
				// unhealthy answers 503
				fmt.Fprintf(cmd.ErrOrStderr(), "health: %v\n", err)
			}

			var stats hedge.Stats
			if err := c.get(ctx, "/api/tracker/stats", &stats); err != nil {
				return err
			}

			var breaker map[string]interface{}
			if err := c.get(ctx, "/api/circuit", &breaker); err != nil {
				breaker = map[string]interface{}{"state": "unknown"}
			}

			return renderStatus(cmd.OutOrStdout(), health.Status, health.Checks, stats, breaker)
		},
	}
}

func renderStatus(w io.Writer, status string, checks map[string]string, stats hedge.Stats, breaker map[string]interface{}) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Item", "Value"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	if status != "" {
		table.Append([]string{"health", status})
	}
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		table.Append([]string{"  " + name, checks[name]})
	}

	table.Append([]string{"available", strconv.Itoa(stats.Available)})
	table.Append([]string{"hedging", strconv.Itoa(stats.Hedging)})
	table.Append([]string{"active", strconv.Itoa(stats.Active)})
	table.Append([]string{"error", strconv.Itoa(stats.Error)})
	table.Append([]string{"total locks", strconv.FormatInt(stats.TotalLocks, 10)})
	table.Append([]string{"activations", strconv.FormatInt(stats.Activations, 10)})
	table.Append([]string{"duplicates prevented", strconv.FormatInt(stats.DuplicatesPrevented, 10)})
	table.Append([]string{"invariant violations", strconv.FormatInt(stats.InvariantViolations, 10)})
	table.Append([]string{"circuit breaker", fmt.Sprint(breaker["state"])})

	table.Render()
	return nil
}

// groupRow is the flat CSV/table form of a recovery group
type groupRow struct {
	ID          string  `csv:"id"`
	Key         string  `csv:"key"`
	Status      string  `csv:"status"`
	Original    string  `csv:"original"`
	Hedge       string  `csv:"hedge"`
	Correlation float64 `csv:"entry_correlation"`
	Source      string  `csv:"correlation_source"`
	CombinedPnL float64 `csv:"combined_pnl"`
	Reason      string  `csv:"close_reason"`
	OpenedAt    string  `csv:"opened_at"`
	ClosedAt    string  `csv:"closed_at"`
}

func toGroupRows(groups []monitor.RecoveryGroup) []groupRow {
	rows := make([]groupRow, 0, len(groups))
	for _, g := range groups {
		row := groupRow{
			ID:          g.ID,
			Key:         g.Key.String(),
			Status:      string(g.Status),
			Original:    legLabel(g.Original),
			Hedge:       legLabel(g.Hedge),
			Correlation: g.EntryCorrelation,
			Source:      string(g.CorrelationSource),
			CombinedPnL: g.CombinedPnL,
			Reason:      g.CloseReason,
			OpenedAt:    g.OpenedAt.Format(time.RFC3339),
		}
		if !g.ClosedAt.IsZero() {
			row.ClosedAt = g.ClosedAt.Format(time.RFC3339)
		}
		rows = append(rows, row)
	}
	return rows
}

func legLabel(l monitor.Leg) string {
	return fmt.Sprintf("%s %s %.2f #%d", l.Symbol, l.Direction, l.Volume, l.Ticket)
}

func groupsCmd() *cobra.Command {
	var (
		asCSV  bool
		status string
	)

	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List open and recently closed recovery groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/groups"
			if status != "" {
				path += "?status=" + status
			}

			var groups []monitor.RecoveryGroup
			if err := client().get(cmd.Context(), path, &groups); err != nil {
				return err
			}

			rows := toGroupRows(groups)
			if asCSV {
				return gocsv.Marshal(rows, cmd.OutOrStdout())
			}
			renderGroups(cmd.OutOrStdout(), rows)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asCSV, "csv", false, "Write CSV instead of a table")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (OPEN, CLOSING, CLOSED)")
	return cmd
}

func renderGroups(w io.Writer, rows []groupRow) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Key", "Status", "Original", "Hedge", "Corr", "P&L", "Reason"})
	for _, r := range rows {
		table.Append([]string{
			shortID(r.ID), r.Key, r.Status, r.Original, r.Hedge,
			fmt.Sprintf("%.2f", r.Correlation), fmt.Sprintf("%.2f", r.CombinedPnL), r.Reason,
		})
	}
	table.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func recordsCmd() *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "records",
		Short: "List hedge tracker records",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/tracker/records"
			if state != "" {
				path += "?state=" + state
			}

			var records []hedge.Record
			if err := client().get(cmd.Context(), path, &records); err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Key", "State", "Original", "Hedge", "Since", "Last Error"})
			for _, r := range records {
				hedgeLeg := ""
				if r.HedgeTicket != 0 {
					hedgeLeg = fmt.Sprintf("%s #%d", r.HedgeSymbol, r.HedgeTicket)
				}
				table.Append([]string{
					r.Key.String(), string(r.State), strconv.FormatInt(r.OriginalTicket, 10),
					hedgeLeg, r.EnteredAt.Format(time.RFC3339), r.LastError,
				})
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by state (AVAILABLE, HEDGING, ACTIVE, ERROR)")
	return cmd
}

func resetCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "reset [group:symbol]",
		Short: "Force-reset a hedge key, or every key with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{}
			switch {
			case all:
				body["all"] = true
			case len(args) == 1:
				if _, err := hedge.ParseKey(args[0]); err != nil {
					return err
				}
				body["key"] = args[0]
			default:
				return fmt.Errorf("give a key or --all")
			}

			var out map[string]interface{}
			if err := client().post(cmd.Context(), "/api/tracker/reset", body, &out); err != nil {
				return err
			}
			if all {
				fmt.Fprintf(cmd.OutOrStdout(), "reset %v keys\n", out["reset"])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s (was %v)\n", args[0], out["previous_state"])
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Reset every key")
	return cmd
}

func cycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one monitor cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			var report monitor.CycleReport
			if err := client().post(cmd.Context(), "/api/cycle", nil, &report); err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Cycle", "Positions", "Losses", "Opened", "Skipped", "Rejected", "Closed"})
			table.Append([]string{
				shortID(report.ID),
				strconv.Itoa(report.Positions),
				strconv.Itoa(report.LossesDetected),
				strconv.Itoa(report.RecoveriesOpened),
				strconv.Itoa(report.RecoveriesSkipped),
				strconv.Itoa(report.OrdersRejected),
				strconv.Itoa(report.GroupsClosed),
			})
			table.Render()
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		operator string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token from the bot's JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenDuration.Duration
			}

			m, err := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, ttl)
			if err != nil {
				return err
			}
			signed, err := m.GenerateToken(operator)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}

	cmd.Flags().StringVar(&operator, "operator", envOr("USER", "operator"), "Operator name embedded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to the configured duration)")
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
