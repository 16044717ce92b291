package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"correlation-recovery-bot/internal/auth"
	"correlation-recovery-bot/internal/broker"
	"correlation-recovery-bot/internal/hedge"
	"correlation-recovery-bot/internal/monitor"

	"github.com/gin-gonic/gin"
)

// handleHealth reports broker connectivity and the configured dependency checks
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if s.deps.Account != nil && s.deps.Account.IsConnected() {
		checks["broker"] = "healthy"
	} else {
		checks["broker"] = "disconnected"
		healthy = false
	}

	names := make([]string, 0, len(s.deps.Checks))
	for name := range s.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.deps.Checks[name](ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "healthy"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":         status,
		"checks":         checks,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleTrackerStats(c *gin.Context) {
	successResponse(c, s.deps.Recovery.GetTrackerStatistics())
}

func (s *Server) handleTrackerRecords(c *gin.Context) {
	records := s.deps.Recovery.GetTrackerRecords()
	if state := c.Query("state"); state != "" {
		filtered := make([]hedge.Record, 0, len(records))
		for _, r := range records {
			if string(r.State) == state {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}
	successResponse(c, records)
}

func (s *Server) handleGroups(c *gin.Context) {
	groups := s.deps.Recovery.GetRecoveryGroupSummaries()
	if status := c.Query("status"); status != "" {
		filtered := make([]monitor.RecoveryGroup, 0, len(groups))
		for _, g := range groups {
			if string(g.Status) == status {
				filtered = append(filtered, g)
			}
		}
		groups = filtered
	}
	successResponse(c, groups)
}

// handleRunCycle runs one monitor cycle on demand
func (s *Server) handleRunCycle(c *gin.Context) {
	report, err := s.deps.Recovery.RunCycle(c.Request.Context())
	switch {
	case errors.Is(err, monitor.ErrCycleInProgress):
		errorResponse(c, http.StatusConflict, err.Error())
		return
	case errors.Is(err, monitor.ErrStopped):
		errorResponse(c, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		errorResponse(c, http.StatusBadGateway, err.Error())
		return
	}

	s.logger.Info().Str("operator", auth.GetOperator(c)).Str("cycle_id", report.ID).Msg("Manual cycle executed")
	successResponse(c, report)
}

type resetRequest struct {
	Key string `json:"key"`
	All bool   `json:"all"`
}

// handleTrackerReset force-resets one key or every key
func (s *Server) handleTrackerReset(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}

	operator := auth.GetOperator(c)

	if req.All {
		n := s.deps.Recovery.ResetAll()
		s.logger.Warn().Str("operator", operator).Int("reset", n).Msg("All hedge keys force-reset")
		successResponse(c, gin.H{"reset": n})
		return
	}

	key, err := hedge.ParseKey(req.Key)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	prev, err := s.deps.Recovery.ResetKey(key)
	if err != nil {
		if errors.Is(err, hedge.ErrUnknownKey) {
			errorResponse(c, http.StatusNotFound, err.Error())
			return
		}
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Warn().Str("operator", operator).Str("key", key.String()).Str("previous", string(prev)).Msg("Hedge key force-reset")
	successResponse(c, gin.H{"key": key.String(), "previous_state": prev})
}

func (s *Server) handleCircuitStatus(c *gin.Context) {
	if s.deps.Breaker == nil {
		errorResponse(c, http.StatusServiceUnavailable, "circuit breaker not configured")
		return
	}
	successResponse(c, s.deps.Breaker.GetStats())
}

func (s *Server) handleCircuitReset(c *gin.Context) {
	if s.deps.Breaker == nil {
		errorResponse(c, http.StatusServiceUnavailable, "circuit breaker not configured")
		return
	}
	s.deps.Breaker.ForceReset()
	s.logger.Warn().Str("operator", auth.GetOperator(c)).Msg("Circuit breaker force-reset")
	successResponse(c, gin.H{"state": s.deps.Breaker.GetState()})
}

// handleCorrelation resolves the correlation of two symbols
func (s *Server) handleCorrelation(c *gin.Context) {
	if s.deps.Correlation == nil {
		errorResponse(c, http.StatusServiceUnavailable, "correlation resolver not configured")
		return
	}

	a, b := broker.NormalizeSymbol(c.Query("a")), broker.NormalizeSymbol(c.Query("b"))
	if a == "" || b == "" {
		errorResponse(c, http.StatusBadRequest, "query parameters a and b are required")
		return
	}

	lookback := 0
	if v := c.Query("lookback"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errorResponse(c, http.StatusBadRequest, "invalid lookback")
			return
		}
		lookback = n
	}

	successResponse(c, s.deps.Correlation.Resolve(c.Request.Context(), a, b, lookback))
}

// handleSizing reports the risk-based lot size for one symbol at the
// current account balance
func (s *Server) handleSizing(c *gin.Context) {
	if s.deps.Sizer == nil || s.deps.Account == nil {
		errorResponse(c, http.StatusServiceUnavailable, "sizer not configured")
		return
	}

	acct, err := s.deps.Account.GetAccountState(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusBadGateway, err.Error())
		return
	}

	tier := s.deps.Sizer.DetectTier(acct.Balance)
	risk := tier.RiskFraction
	if v := c.Query("risk"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f > 0.1 {
			errorResponse(c, http.StatusBadRequest, "risk must be in (0, 0.1]")
			return
		}
		risk = f
	}

	symbol := broker.NormalizeSymbol(c.Param("symbol"))
	lots, err := s.deps.Sizer.Size(c.Request.Context(), *acct, symbol, risk, s.config.LegCount)
	if err != nil {
		errorResponse(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	successResponse(c, gin.H{
		"symbol":    symbol,
		"balance":   acct.Balance,
		"tier":      tier.Name,
		"risk":      risk,
		"leg_count": s.config.LegCount,
		"lots":      lots,
	})
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.deps.History == nil {
		errorResponse(c, http.StatusServiceUnavailable, "history not configured")
		return
	}

	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	if limit <= 0 || limit > 500 || offset < 0 {
		errorResponse(c, http.StatusBadRequest, "invalid limit or offset")
		return
	}

	records, err := s.deps.History.ListGroups(c.Request.Context(), limit, offset)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, records)
}

func (s *Server) handleHistorySummary(c *gin.Context) {
	if s.deps.History == nil {
		errorResponse(c, http.StatusServiceUnavailable, "history not configured")
		return
	}

	window := 24 * time.Hour
	if v := c.Query("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errorResponse(c, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}

	summary, err := s.deps.History.SummaryByReason(c.Request.Context(), time.Now().Add(-window))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, summary)
}

func queryInt(c *gin.Context, name string, def int) int {
	v := c.Query(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}
