package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/market-maker/internal/model"
)

// CachedStore wraps a primary Store with a Redis cache for positions and trade
// lookups. Writes go to the primary first and then refresh or invalidate the
// cache; reads check Redis and fall back to the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) SavePosition(ctx context.Context, p *model.Position) error {
	if err := s.Store.SavePosition(ctx, p); err != nil {
		return err
	}
	s.set(ctx, positionKey(p.Symbol), p)
	s.rdb.Del(ctx, positionsKey())
	return nil
}

func (s *CachedStore) SaveTrade(ctx context.Context, t *model.TradeReport) error {
	if err := s.Store.SaveTrade(ctx, t); err != nil {
		return err
	}
	s.rdb.Del(ctx, tradeKey(t.TradeID))
	return nil
}

// --- Read-through ---

func (s *CachedStore) FindPosition(ctx context.Context, symbol string) (*model.Position, error) {
	data, err := s.rdb.Get(ctx, positionKey(symbol)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.Store.FindPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.set(ctx, positionKey(symbol), p)
	return p, nil
}

func (s *CachedStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey()).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.Store.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	s.set(ctx, positionsKey(), positions)
	return positions, nil
}

func (s *CachedStore) FindTrade(ctx context.Context, tradeID string) (*model.TradeReport, error) {
	data, err := s.rdb.Get(ctx, tradeKey(tradeID)).Bytes()
	if err == nil {
		var t model.TradeReport
		if json.Unmarshal(data, &t) == nil {
			return &t, nil
		}
	}

	t, err := s.Store.FindTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, tradeKey(tradeID), t)
	return t, nil
}

// --- Cache helpers ---

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func positionKey(symbol string) string { return fmt.Sprintf("position:%s", symbol) }
func positionsKey() string             { return "positions:all" }
func tradeKey(id string) string        { return fmt.Sprintf("trade:%s", id) }
