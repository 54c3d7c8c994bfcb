package book

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"

	"github.com/atmx/market-maker/internal/metrics"
	"github.com/atmx/market-maker/internal/model"
	"github.com/atmx/market-maker/internal/store"
)

// SymbolError pairs a symbol with the error its snapshot failed with.
type SymbolError struct {
	Symbol string
	Err    error
}

// SnapshotOutcome is the result of snapshotting several books. One failure does
// not stop the others.
type SnapshotOutcome struct {
	Succeeded []string
	Failed    []SymbolError
}

// Err combines every failure, or returns nil when all succeeded.
func (o SnapshotOutcome) Err() error {
	var errs *multierror.Error
	for _, f := range o.Failed {
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", f.Symbol, f.Err))
	}
	return errs.ErrorOrNil()
}

// Snapshot writes one row per source per side per price level of symbol, all
// stamped with the same instant, then records that instant as the last
// snapshot time.
func (a *Aggregator) Snapshot(ctx context.Context, symbol string) error {
	return a.snapshotAt(ctx, symbol, a.clock.Now())
}

// SnapshotAll snapshots every known book.
func (a *Aggregator) SnapshotAll(ctx context.Context) SnapshotOutcome {
	var out SnapshotOutcome
	for _, symbol := range a.Symbols() {
		err := a.Snapshot(ctx, symbol)
		switch {
		case errors.Is(err, ErrUnknownSymbol):
			// cleared after the symbol list was taken
		case err != nil:
			out.Failed = append(out.Failed, SymbolError{Symbol: symbol, Err: err})
		default:
			out.Succeeded = append(out.Succeeded, symbol)
		}
	}
	if len(out.Failed) > 0 {
		a.logger.Error("snapshot of all books incomplete",
			"succeeded", len(out.Succeeded),
			"failed", len(out.Failed),
			"err", out.Err(),
		)
	}
	return out
}

func (a *Aggregator) snapshotAt(ctx context.Context, symbol string, now time.Time) error {
	b, ok := a.book(symbol)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	rows := b.rows(now)
	if len(rows) > 0 {
		op := func() error { return a.snapshots.SaveSnapshotRows(ctx, rows) }
		policy := backoff.WithContext(
			backoff.WithMaxRetries(a.cfg.NewBackOff(), uint64(a.cfg.SnapshotRetries)), ctx)
		if err := backoff.Retry(op, policy); err != nil {
			metrics.Snapshots.WithLabelValues("error").Inc()
			return store.Wrap("save snapshot rows", err)
		}
	}

	a.snapMu.Lock()
	a.lastSnapshot[symbol] = now
	a.snapMu.Unlock()

	metrics.Snapshots.WithLabelValues("ok").Inc()
	a.logger.Info("order book snapshot written", "symbol", symbol, "rows", len(rows))
	return nil
}

// maybeSnapshot snapshots symbol when the interval since the last snapshot has
// elapsed. The slot is reserved before writing so concurrent updates do not
// snapshot twice; a failed attempt releases it.
func (a *Aggregator) maybeSnapshot(ctx context.Context, symbol string) {
	now := a.clock.Now()

	a.snapMu.Lock()
	last, had := a.lastSnapshot[symbol]
	if had && now.Sub(last) < a.cfg.SnapshotInterval {
		a.snapMu.Unlock()
		return
	}
	a.lastSnapshot[symbol] = now
	a.snapMu.Unlock()

	if err := a.snapshotAt(ctx, symbol, now); err != nil {
		a.snapMu.Lock()
		if had {
			a.lastSnapshot[symbol] = last
		} else {
			delete(a.lastSnapshot, symbol)
		}
		a.snapMu.Unlock()
		a.logger.Error("auto snapshot failed", "symbol", symbol, "err", err)
	}
}

// Restore rebuilds the book of symbol from its latest snapshot, replacing any
// in-memory book. It reports false, without creating a book, when no snapshot
// exists. The market type is taken from the first row.
//
// Restore is meant to run before updates for symbol start flowing. Updates
// applied before the swap are replaced by the snapshot contents; updates after
// it land in the restored book.
func (a *Aggregator) Restore(ctx context.Context, symbol string) (bool, error) {
	rows, err := a.snapshots.FindLatestSnapshot(ctx, symbol, 0)
	if err != nil {
		return false, store.Wrap("find latest snapshot", err)
	}
	if len(rows) == 0 {
		a.logger.Warn("no snapshot to restore", "symbol", symbol)
		return false, nil
	}

	b := newOrderBook(symbol, rows[0].MarketType)
	for _, r := range rows {
		if !r.Quantity.IsPositive() || !r.Side.Valid() {
			continue
		}
		b.add(r.Source, r.Side, r.Price, r.Quantity)
	}

	a.mu.Lock()
	a.books[symbol] = b
	metrics.BookSymbols.Set(float64(len(a.books)))
	a.mu.Unlock()

	a.snapMu.Lock()
	a.lastSnapshot[symbol] = rows[0].SnapshotTime
	a.snapMu.Unlock()

	a.logger.Info("order book restored",
		"symbol", symbol,
		"rows", len(rows),
		"snapshot_time", rows[0].SnapshotTime,
	)
	return true, nil
}

// Cleanup deletes snapshot rows older than cutoff.
func (a *Aggregator) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := a.snapshots.DeleteSnapshotsBefore(ctx, cutoff)
	if err != nil {
		return 0, store.Wrap("delete old snapshots", err)
	}
	metrics.SnapshotRowsPruned.Add(float64(n))
	a.logger.Info("old snapshots pruned", "cutoff", cutoff, "rows", n)
	return n, nil
}

// CleanupExpired deletes snapshot rows older than the retention window.
func (a *Aggregator) CleanupExpired(ctx context.Context) (int64, error) {
	return a.Cleanup(ctx, a.clock.Now().Add(-a.cfg.Retention))
}

// History returns snapshot rows of symbol taken between start and end.
func (a *Aggregator) History(ctx context.Context, symbol string, start, end time.Time) ([]model.SnapshotRow, error) {
	rows, err := a.snapshots.FindSnapshotsBetween(ctx, symbol, start, end)
	return rows, store.Wrap("find snapshots between", err)
}

// Sources lists every source that contributed to a snapshot of symbol.
func (a *Aggregator) Sources(ctx context.Context, symbol string) ([]string, error) {
	sources, err := a.snapshots.DistinctSources(ctx, symbol)
	return sources, store.Wrap("distinct sources", err)
}
