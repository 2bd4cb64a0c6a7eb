// Package engine is the aggregation façade consumers call. It is the only
// component that decides fetch-vs-cache; the rollup layer is pure computation
// over whatever the caches currently hold.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/billing"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/cache"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/dedup"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/log"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/metering"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/rollup"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/spot"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/types"
)

const defaultTimezone = "Europe/Oslo"

// locatable is implemented by components that bucket dates in a timezone.
type locatable interface {
	SetLocation(*time.Location)
}

// Engine composes the metering client, caches, rollups, billing and the
// spot-price model behind a single entry point. Construct one per process;
// independent instances never share state.
type Engine struct {
	client   metering.Client
	spots    spot.Source
	bills    *billing.Manager
	loc      *time.Location
	currency string

	group   dedup.Group
	daily   *cache.Store[types.DailySeries]
	monthly *cache.Store[types.MonthlyAggregate]

	mu     sync.RWMutex
	meters []types.Meter

	now       func() time.Time
	configErr error
}

// Configured sets up flags for the engine and returns the instance. The
// timezone is propagated to the metering client and spot provider so all
// three bucket days identically.
func Configured(client metering.Client, spots spot.Source, bills *billing.Manager) *Engine {
	e := NewEngine(client, spots, bills, time.UTC, "NOK")
	tz := lflag.String("timezone", defaultTimezone, "IANA timezone dates are bucketed in")
	currency := lflag.String("currency", "NOK", "Currency figures are reported in")

	lflag.Do(func() {
		loc, err := time.LoadLocation(*tz)
		if err != nil {
			e.configErr = fmt.Errorf("failed to load timezone (%s): %w", *tz, err)
			return
		}
		e.loc = loc
		e.currency = *currency
		if l, ok := client.(locatable); ok {
			l.SetLocation(loc)
		}
		if l, ok := spots.(locatable); ok {
			l.SetLocation(loc)
		}
	})

	return e
}

// NewEngine builds an engine directly.
func NewEngine(client metering.Client, spots spot.Source, bills *billing.Manager, loc *time.Location, currency string) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{
		client:   client,
		spots:    spots,
		bills:    bills,
		loc:      loc,
		currency: currency,
		daily:    cache.NewStore[types.DailySeries](),
		monthly:  cache.NewStore[types.MonthlyAggregate](),
		now:      time.Now,
	}
}

// Validate ensures the configuration is valid.
func (e *Engine) Validate() error {
	if e.configErr != nil {
		return e.configErr
	}
	if e.client == nil {
		return fmt.Errorf("engine requires a metering client")
	}
	if e.currency == "" {
		return fmt.Errorf("currency is required")
	}
	return nil
}

// Init discovers the meters. Meter identity is immutable afterwards; picking
// up new meters requires a restart.
func (e *Engine) Init(ctx context.Context) error {
	meters, err := e.client.FetchMeters(ctx)
	if err != nil {
		return fmt.Errorf("failed to discover meters: %w", err)
	}
	sort.Slice(meters, func(i, j int) bool { return meters[i].ID < meters[j].ID })

	e.mu.Lock()
	e.meters = meters
	e.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "discovered meters", slog.Int("count", len(meters)))
	return nil
}

// Meters returns the discovered meter identities.
func (e *Engine) Meters() []types.Meter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.Meter, len(e.meters))
	copy(out, e.meters)
	return out
}

// metersFor resolves the meters a non-combined scope addresses.
func (e *Engine) metersFor(scope Scope) ([]types.Meter, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if scope.IsMeter() {
		for _, m := range e.meters {
			if m.ID == scope.MeterID {
				return []types.Meter{m}, nil
			}
		}
		return nil, fmt.Errorf("unknown meter %q", scope.MeterID)
	}
	var out []types.Meter
	for _, m := range e.meters {
		if m.Utility == scope.Utility {
			out = append(out, m)
		}
	}
	return out, nil
}

func meterIDs(meters []types.Meter) []string {
	ids := make([]string, len(meters))
	for i, m := range meters {
		ids[i] = m.ID
	}
	return ids
}

// today returns the current date in the configured timezone.
func (e *Engine) today() types.DateKey {
	return types.NewDateKey(e.now().In(e.loc))
}

// dailySeries returns the meter's daily series over the lookback window,
// fetching through the deduplicator on a cache miss. New batches are merged
// copy-on-write over the previous snapshot.
func (e *Engine) dailySeries(ctx context.Context, meter types.Meter) (types.DailySeries, error) {
	key := "daily_" + meter.ID
	if s, ok := e.daily.Get(key); ok {
		return s, nil
	}
	v, _, err := e.group.Do(ctx, key, func(ctx context.Context) (any, error) {
		today := e.today()
		batch, err := e.client.FetchDailySeries(ctx, meter, today.AddDays(-rollup.LookbackDays), today)
		if err != nil {
			return nil, err
		}
		prev, ok := e.daily.Get(key)
		if !ok {
			prev = types.DailySeries{
				MeterID: meter.ID,
				Utility: meter.Utility,
				Unit:    meter.Utility.ConsumptionUnit(),
			}
		}
		s := prev.WithPoints(batch)
		e.daily.Put(key, s, cache.TTLMedium)
		return s, nil
	})
	if err != nil {
		return types.DailySeries{}, err
	}
	return v.(types.DailySeries), nil
}

// seriesByMeter fetches the daily series for each meter. A failure fetching
// one meter is logged and skipped so the others still contribute.
func (e *Engine) seriesByMeter(ctx context.Context, meters []types.Meter) map[string]types.DailySeries {
	out := make(map[string]types.DailySeries, len(meters))
	for _, m := range meters {
		s, err := e.dailySeries(ctx, m)
		if err != nil {
			log.Ctx(ctx).WarnContext(
				ctx,
				"failed to fetch daily series",
				slog.String("meterID", m.ID),
				slog.String("utility", string(m.Utility)),
				slog.Any("error", err),
			)
			continue
		}
		out[m.ID] = s
	}
	return out
}

// Refresh force-refetches every meter's daily series and warms the billing
// and calibration caches. Meant to run on the poll schedule; per-meter
// failures are isolated and reported joined.
func (e *Engine) Refresh(ctx context.Context) error {
	var errs []error
	for _, m := range e.Meters() {
		e.daily.Forget("daily_" + m.ID)
		if _, err := e.dailySeries(ctx, m); err != nil {
			errs = append(errs, fmt.Errorf("meter %s: %w", m.ID, err))
		}
	}
	if e.bills != nil {
		if _, err := e.bills.Periods(ctx); err != nil && !errors.Is(err, metering.ErrNoBillingData) {
			errs = append(errs, fmt.Errorf("billing: %w", err))
		} else {
			e.bills.CalibrationRatio(ctx)
		}
	}
	return errors.Join(errs...)
}
