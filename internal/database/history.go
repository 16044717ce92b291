package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"correlation-recovery-bot/internal/monitor"
)

// HistoryRecord is one archived recovery group
type HistoryRecord struct {
	ID                string    `json:"id" csv:"id"`
	Group             string    `json:"group" csv:"group"`
	OriginalSymbol    string    `json:"original_symbol" csv:"original_symbol"`
	OriginalTicket    int64     `json:"original_ticket" csv:"original_ticket"`
	HedgeSymbol       string    `json:"hedge_symbol" csv:"hedge_symbol"`
	HedgeTicket       int64     `json:"hedge_ticket" csv:"hedge_ticket"`
	HedgeVolume       float64   `json:"hedge_volume" csv:"hedge_volume"`
	EntryCorrelation  float64   `json:"entry_correlation" csv:"entry_correlation"`
	ExitCorrelation   float64   `json:"exit_correlation" csv:"exit_correlation"`
	CorrelationSource string    `json:"correlation_source" csv:"correlation_source"`
	CombinedPnL       float64   `json:"combined_pnl" csv:"combined_pnl"`
	CloseReason       string    `json:"close_reason" csv:"close_reason"`
	Adopted           bool      `json:"adopted" csv:"adopted"`
	OpenedAt          time.Time `json:"opened_at" csv:"opened_at"`
	ClosedAt          time.Time `json:"closed_at" csv:"closed_at"`
}

// ReasonSummary aggregates closed groups by close reason
type ReasonSummary struct {
	Reason   string  `json:"reason"`
	Count    int64   `json:"count"`
	TotalPnL float64 `json:"total_pnl"`
	Wins     int64   `json:"wins"`
}

// HistoryRepository archives closed recovery groups
type HistoryRepository struct {
	db *DB
}

// NewHistoryRepository creates a new history repository
func NewHistoryRepository(db *DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// SaveGroup upserts a recovery group
func (r *HistoryRepository) SaveGroup(ctx context.Context, g monitor.RecoveryGroup) error {
	query := `
		INSERT INTO recovery_groups (
			id, group_name, original_symbol, original_ticket, original_direction, original_volume, original_pnl,
			hedge_symbol, hedge_ticket, hedge_direction, hedge_volume, hedge_pnl,
			entry_correlation, exit_correlation, correlation_source, combined_pnl, close_reason, adopted,
			opened_at, closed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET
			original_pnl = EXCLUDED.original_pnl,
			hedge_pnl = EXCLUDED.hedge_pnl,
			exit_correlation = EXCLUDED.exit_correlation,
			combined_pnl = EXCLUDED.combined_pnl,
			close_reason = EXCLUDED.close_reason,
			closed_at = EXCLUDED.closed_at
	`
	var closedAt *time.Time
	if !g.ClosedAt.IsZero() {
		closedAt = &g.ClosedAt
	}
	_, err := r.db.Pool.Exec(
		ctx, query,
		g.ID, g.Key.Group, g.Original.Symbol, g.Original.Ticket, string(g.Original.Direction), g.Original.Volume, g.Original.PnL,
		g.Hedge.Symbol, g.Hedge.Ticket, string(g.Hedge.Direction), g.Hedge.Volume, g.Hedge.PnL,
		g.EntryCorrelation, g.LastCorrelation, string(g.CorrelationSource), g.CombinedPnL, g.CloseReason, g.Adopted,
		g.OpenedAt, closedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save recovery group %s: %w", g.ID, err)
	}
	return nil
}

// ListGroups returns the most recently closed groups
func (r *HistoryRepository) ListGroups(ctx context.Context, limit, offset int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id::text, group_name, original_symbol, original_ticket, hedge_symbol, hedge_ticket, COALESCE(hedge_volume, 0),
		       COALESCE(entry_correlation, 0), COALESCE(exit_correlation, 0), COALESCE(correlation_source, ''),
		       combined_pnl, COALESCE(close_reason, ''), adopted, opened_at, COALESCE(closed_at, opened_at)
		FROM recovery_groups
		ORDER BY closed_at DESC NULLS LAST
		LIMIT $1 OFFSET $2
	`
	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query recovery history: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (HistoryRecord, error) {
		var h HistoryRecord
		err := row.Scan(
			&h.ID, &h.Group, &h.OriginalSymbol, &h.OriginalTicket, &h.HedgeSymbol, &h.HedgeTicket, &h.HedgeVolume,
			&h.EntryCorrelation, &h.ExitCorrelation, &h.CorrelationSource,
			&h.CombinedPnL, &h.CloseReason, &h.Adopted, &h.OpenedAt, &h.ClosedAt,
		)
		return h, err
	})
}

// SummaryByReason aggregates closed groups by close reason since the given time
func (r *HistoryRepository) SummaryByReason(ctx context.Context, since time.Time) ([]ReasonSummary, error) {
	query := `
		SELECT COALESCE(close_reason, ''), COUNT(*), COALESCE(SUM(combined_pnl), 0),
		       COUNT(*) FILTER (WHERE combined_pnl > 0)
		FROM recovery_groups
		WHERE closed_at >= $1
		GROUP BY close_reason
		ORDER BY COUNT(*) DESC
	`
	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to summarise recovery history: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ReasonSummary, error) {
		var s ReasonSummary
		err := row.Scan(&s.Reason, &s.Count, &s.TotalPnL, &s.Wins)
		return s, err
	})
}
