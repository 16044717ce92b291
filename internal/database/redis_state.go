// Package database persists recovery state. Tracker records and correlation
// samples live in Redis so a restarted engine can reconcile against the
// broker; closed recovery groups are archived in PostgreSQL.
//
// When Redis is unavailable the state store falls back to an in-memory cache
// so the monitor keeps running without interruption.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"correlation-recovery-bot/internal/correlation"
	"correlation-recovery-bot/internal/hedge"
)

// Redis key layout
const (
	// HedgeKeyPrefix prefixes one hash per tracker record
	// Format: recovery:hedge:{group}:{symbol}
	HedgeKeyPrefix = "recovery:hedge"

	// HedgeIndexKey is the set of tracker keys ("group:symbol") currently stored
	HedgeIndexKey = "recovery:hedges"

	// CorrelationKeyPrefix prefixes one JSON sample per unordered pair
	// Format: recovery:corr:{A|B}
	CorrelationKeyPrefix = "recovery:corr"

	// CorrelationIndexKey is the set of pair keys with a stored sample
	CorrelationIndexKey = "recovery:correlations"

	// HedgeStateTTL bounds how long an unrefreshed record survives. Records
	// are rewritten every cycle.
	HedgeStateTTL = 7 * 24 * time.Hour
)

type cachedSample struct {
	sample    correlation.Sample
	expiresAt time.Time
}

// RedisStateStore stores tracker records and correlation samples in Redis
// with an in-memory fallback cache when Redis is unavailable.
type RedisStateStore struct {
	client         *redis.Client
	records        map[hedge.Key]hedge.Record
	samples        map[correlation.PairKey]cachedSample
	cacheMu        sync.RWMutex
	redisAvailable atomic.Bool
	logger         zerolog.Logger
	now            func() time.Time
}

// StateStoreStats reports store health
type StateStoreStats struct {
	RedisAvailable    bool `json:"redis_available"`
	CachedRecords     int  `json:"cached_records"`
	CachedCorrelation int  `json:"cached_correlations"`
}

// NewRedisStateStore creates a state store. If client is nil the store
// operates in memory-only mode.
func NewRedisStateStore(client *redis.Client, logger zerolog.Logger) *RedisStateStore {
	s := &RedisStateStore{
		client:  client,
		records: make(map[hedge.Key]hedge.Record),
		samples: make(map[correlation.PairKey]cachedSample),
		logger:  logger.With().Str("component", "RedisStateStore").Logger(),
		now:     time.Now,
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory cache")
			s.redisAvailable.Store(false)
		} else {
			s.logger.Info().Msg("Redis connected successfully")
			s.redisAvailable.Store(true)
		}
	} else {
		s.logger.Info().Msg("No Redis client provided, using in-memory cache only")
	}
	return s
}

// NewRedisClient builds a go-redis client from connection settings
func NewRedisClient(addr, password string, db, poolSize int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})
}

// SetClock overrides the time source used for sample expiry
func (s *RedisStateStore) SetClock(now func() time.Time) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.now = now
}

func (s *RedisStateStore) useRedis() bool {
	return s.client != nil && s.redisAvailable.Load()
}

func (s *RedisStateStore) markUnavailable(op string, err error) {
	if s.redisAvailable.Swap(false) {
		s.logger.Warn().Err(err).Str("op", op).Msg("Redis error, falling back to in-memory cache")
	}
}

func hedgeKey(key hedge.Key) string {
	return fmt.Sprintf("%s:%s:%s", HedgeKeyPrefix, key.Group, key.Symbol)
}

func correlationKey(pair correlation.PairKey) string {
	return fmt.Sprintf("%s:%s", CorrelationKeyPrefix, pair)
}

// ==================== tracker records ====================

// SaveRecords replaces the stored tracker snapshot with records
func (s *RedisStateStore) SaveRecords(ctx context.Context, records []hedge.Record) error {
	s.cacheMu.Lock()
	s.records = make(map[hedge.Key]hedge.Record, len(records))
	for _, rec := range records {
		s.records[rec.Key] = rec
	}
	s.cacheMu.Unlock()

	if !s.useRedis() {
		return nil
	}

	stored, err := s.client.SMembers(ctx, HedgeIndexKey).Result()
	if err != nil {
		s.markUnavailable("smembers", err)
		return nil
	}
	keep := make(map[string]bool, len(records))

	pipe := s.client.TxPipeline()
	for _, rec := range records {
		member := rec.Key.String()
		keep[member] = true
		k := hedgeKey(rec.Key)
		pipe.HSet(ctx, k, recordFields(rec))
		pipe.Expire(ctx, k, HedgeStateTTL)
		pipe.SAdd(ctx, HedgeIndexKey, member)
	}
	for _, member := range stored {
		if keep[member] {
			continue
		}
		if key, err := hedge.ParseKey(member); err == nil {
			pipe.Del(ctx, hedgeKey(key))
		}
		pipe.SRem(ctx, HedgeIndexKey, member)
	}
	pipe.Expire(ctx, HedgeIndexKey, HedgeStateTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		s.markUnavailable("save_records", err)
		return nil
	}
	return nil
}

// LoadRecords returns the stored tracker snapshot
func (s *RedisStateStore) LoadRecords(ctx context.Context) ([]hedge.Record, error) {
	if s.useRedis() {
		records, err := s.loadRecordsFromRedis(ctx)
		if err == nil {
			return records, nil
		}
		s.markUnavailable("load_records", err)
	}

	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	out := make([]hedge.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStateStore) loadRecordsFromRedis(ctx context.Context) ([]hedge.Record, error) {
	members, err := s.client.SMembers(ctx, HedgeIndexKey).Result()
	if err != nil {
		return nil, err
	}

	out := make([]hedge.Record, 0, len(members))
	for _, member := range members {
		key, err := hedge.ParseKey(member)
		if err != nil {
			s.logger.Warn().Str("member", member).Msg("Skipping malformed hedge index entry")
			continue
		}
		fields, err := s.client.HGetAll(ctx, hedgeKey(key)).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		rec, err := recordFromFields(key, fields)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", member).Msg("Skipping unreadable hedge record")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func recordFields(rec hedge.Record) map[string]interface{} {
	return map[string]interface{}{
		"state":           string(rec.State),
		"original_ticket": rec.OriginalTicket,
		"hedge_symbol":    rec.HedgeSymbol,
		"hedge_ticket":    rec.HedgeTicket,
		"entered_at":      rec.EnteredAt.UTC().Format(time.RFC3339Nano),
		"last_error":      rec.LastError,
	}
}

func recordFromFields(key hedge.Key, fields map[string]string) (hedge.Record, error) {
	rec := hedge.Record{
		Key:         key,
		State:       hedge.State(fields["state"]),
		HedgeSymbol: fields["hedge_symbol"],
		LastError:   fields["last_error"],
	}
	var err error
	if v := fields["original_ticket"]; v != "" {
		if rec.OriginalTicket, err = strconv.ParseInt(v, 10, 64); err != nil {
			return rec, fmt.Errorf("bad original_ticket: %w", err)
		}
	}
	if v := fields["hedge_ticket"]; v != "" {
		if rec.HedgeTicket, err = strconv.ParseInt(v, 10, 64); err != nil {
			return rec, fmt.Errorf("bad hedge_ticket: %w", err)
		}
	}
	if v := fields["entered_at"]; v != "" {
		if rec.EnteredAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return rec, fmt.Errorf("bad entered_at: %w", err)
		}
	}
	return rec, nil
}

// ==================== correlation samples ====================

// SaveCorrelation stores a sample that expires after ttl
func (s *RedisStateStore) SaveCorrelation(ctx context.Context, sample correlation.Sample, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("correlation ttl must be positive")
	}
	pair := sample.Key()

	s.cacheMu.Lock()
	s.samples[pair] = cachedSample{sample: sample, expiresAt: s.now().Add(ttl)}
	s.cacheMu.Unlock()

	if !s.useRedis() {
		return nil
	}

	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal correlation sample: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, correlationKey(pair), data, ttl)
	pipe.SAdd(ctx, CorrelationIndexKey, string(pair))
	if _, err := pipe.Exec(ctx); err != nil {
		s.markUnavailable("save_correlation", err)
	}
	return nil
}

// LoadCorrelations returns every unexpired stored sample
func (s *RedisStateStore) LoadCorrelations(ctx context.Context) ([]correlation.Sample, error) {
	if s.useRedis() {
		samples, err := s.loadCorrelationsFromRedis(ctx)
		if err == nil {
			return samples, nil
		}
		s.markUnavailable("load_correlations", err)
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	now := s.now()
	out := make([]correlation.Sample, 0, len(s.samples))
	for pair, c := range s.samples {
		if !now.Before(c.expiresAt) {
			delete(s.samples, pair)
			continue
		}
		out = append(out, c.sample)
	}
	return out, nil
}

func (s *RedisStateStore) loadCorrelationsFromRedis(ctx context.Context) ([]correlation.Sample, error) {
	pairs, err := s.client.SMembers(ctx, CorrelationIndexKey).Result()
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i] = correlationKey(correlation.PairKey(p))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]correlation.Sample, 0, len(values))
	var expired []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Key expired; drop it from the index
			expired = append(expired, pairs[i])
			continue
		}
		var sample correlation.Sample
		if err := json.Unmarshal([]byte(raw), &sample); err != nil {
			s.logger.Warn().Err(err).Str("pair", pairs[i]).Msg("Skipping unreadable correlation sample")
			continue
		}
		out = append(out, sample)
	}
	if len(expired) > 0 {
		s.client.SRem(ctx, CorrelationIndexKey, expired...)
	}
	return out, nil
}

// ==================== health ====================

// IsRedisAvailable reports whether writes currently reach Redis
func (s *RedisStateStore) IsRedisAvailable() bool {
	return s.redisAvailable.Load()
}

// CheckRedisConnection pings Redis and, when it comes back, pushes the
// in-memory cache to it
func (s *RedisStateStore) CheckRedisConnection(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("no redis client configured")
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.redisAvailable.Store(false)
		return fmt.Errorf("redis ping failed: %w", err)
	}

	wasUnavailable := !s.redisAvailable.Swap(true)
	if wasUnavailable {
		s.logger.Info().Msg("Redis connection restored, syncing cache")
		return s.SyncCacheToRedis(ctx)
	}
	return nil
}

// SyncCacheToRedis writes the in-memory cache to Redis
func (s *RedisStateStore) SyncCacheToRedis(ctx context.Context) error {
	if !s.useRedis() {
		return fmt.Errorf("redis not available")
	}

	s.cacheMu.RLock()
	records := make([]hedge.Record, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	now := s.now()
	samples := make([]cachedSample, 0, len(s.samples))
	for _, c := range s.samples {
		if c.expiresAt.After(now) {
			samples = append(samples, c)
		}
	}
	s.cacheMu.RUnlock()

	if err := s.SaveRecords(ctx, records); err != nil {
		return err
	}
	for _, c := range samples {
		if err := s.SaveCorrelation(ctx, c.sample, c.expiresAt.Sub(now)); err != nil {
			return err
		}
	}
	s.logger.Info().Int("records", len(records)).Int("correlations", len(samples)).Msg("Cache synced to Redis")
	return nil
}

// GetStats returns store health
func (s *RedisStateStore) GetStats() StateStoreStats {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return StateStoreStats{
		RedisAvailable:    s.redisAvailable.Load(),
		CachedRecords:     len(s.records),
		CachedCorrelation: len(s.samples),
	}
}

// ClearCache empties the in-memory cache
func (s *RedisStateStore) ClearCache() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.records = make(map[hedge.Key]hedge.Record)
	s.samples = make(map[correlation.PairKey]cachedSample)
}
