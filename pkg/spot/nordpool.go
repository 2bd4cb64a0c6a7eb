package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/cache"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/common"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/dedup"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/log"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/types"
)

const (
	defaultNordPoolURL = "https://dataportal-api.nordpoolgroup.com/api/DayAheadPrices"

	nordPoolTimeout = 30 * time.Second
)

// deliveryAreas are the Nord Pool bidding areas the provider accepts.
var deliveryAreas = map[string]bool{
	"NO1": true, "NO2": true, "NO3": true, "NO4": true, "NO5": true,
	"SE1": true, "SE2": true, "SE3": true, "SE4": true,
	"DK1": true, "DK2": true,
	"FI": true, "EE": true, "LV": true, "LT": true,
}

// NordPool implements Source against the Nord Pool day-ahead data portal.
// A day's series never changes once published, so it is cached for a day
// per (area, date) and fetches are deduplicated.
type NordPool struct {
	apiURL   string
	area     string
	currency string
	client   *http.Client
	loc      *time.Location

	store *cache.Store[[]types.SpotPrice]
	group dedup.Group
	now   func() time.Time
}

// Configured sets up flags for the Nord Pool provider and returns the
// instance.
func Configured() *NordPool {
	p := &NordPool{
		client: common.HTTPClient(nordPoolTimeout),
		loc:    time.UTC,
		store:  cache.NewStore[[]types.SpotPrice](),
		now:    time.Now,
	}
	apiURL := lflag.String("nordpool-api-url", defaultNordPoolURL, "URL for the Nord Pool day-ahead price API")
	area := lflag.String("nordpool-area", "", "Nord Pool delivery area (e.g. NO1)")
	currency := lflag.String("nordpool-currency", "NOK", "Currency for Nord Pool prices")

	lflag.Do(func() {
		p.apiURL = *apiURL
		p.area = *area
		p.currency = *currency
	})

	return p
}

// NewNordPool builds a provider directly.
func NewNordPool(apiURL, area, currency string, client *http.Client, loc *time.Location) *NordPool {
	if client == nil {
		client = common.HTTPClient(nordPoolTimeout)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &NordPool{
		apiURL:   apiURL,
		area:     area,
		currency: currency,
		client:   client,
		loc:      loc,
		store:    cache.NewStore[[]types.SpotPrice](),
		now:      time.Now,
	}
}

// SetLocation sets the timezone used to decide which day "today" is.
func (p *NordPool) SetLocation(loc *time.Location) {
	p.loc = loc
}

// Validate ensures the configuration is valid.
func (p *NordPool) Validate() error {
	if p.apiURL == "" {
		return fmt.Errorf("nordpool-api-url is required")
	}
	if _, err := url.Parse(p.apiURL); err != nil {
		return fmt.Errorf("failed to parse nordpool url (%s): %w", p.apiURL, err)
	}
	if !deliveryAreas[p.area] {
		return fmt.Errorf("nordpool-area %q is not a known delivery area", p.area)
	}
	if p.currency == "" {
		return fmt.Errorf("nordpool-currency is required")
	}
	return nil
}

type dayAheadResponse struct {
	Currency         string           `json:"currency"`
	MultiAreaEntries []multiAreaEntry `json:"multiAreaEntries"`
}

type multiAreaEntry struct {
	DeliveryStart time.Time          `json:"deliveryStart"`
	EntryPerArea  map[string]float64 `json:"entryPerArea"`
}

// PricesForDate returns the hourly series for the date, in currency per kWh.
// Results are cached for a day; concurrent misses share one fetch.
func (p *NordPool) PricesForDate(ctx context.Context, date types.DateKey) ([]types.SpotPrice, error) {
	key := p.area + "_" + p.currency + "_" + string(date)
	if cached, ok := p.store.Get(key); ok {
		return cached, nil
	}
	v, _, err := p.group.Do(ctx, key, func(ctx context.Context) (any, error) {
		prices, err := p.fetchDate(ctx, date)
		if err != nil {
			return nil, err
		}
		// an empty series usually means the day's auction is not published
		// yet, so only keep it briefly
		ttl := cache.TTLLong
		if len(prices) == 0 {
			ttl = cache.TTLShort
		}
		p.store.Put(key, prices, ttl)
		return prices, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.SpotPrice), nil
}

func (p *NordPool) fetchDate(ctx context.Context, date types.DateKey) ([]types.SpotPrice, error) {
	u, err := url.Parse(p.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	q := url.Values{}
	q.Set("date", string(date))
	q.Set("market", "DayAhead")
	q.Set("deliveryArea", p.area)
	q.Set("currency", p.currency)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	log.Ctx(ctx).DebugContext(ctx, "fetching nordpool prices", slog.String("url", u.String()))

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prices: %w", err)
	}
	defer resp.Body.Close()

	// the portal answers 204 until the day's auction results are published
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nordpool api returned status: %d", resp.StatusCode)
	}

	var data dayAheadResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	prices := make([]types.SpotPrice, 0, len(data.MultiAreaEntries))
	for _, entry := range data.MultiAreaEntries {
		perMWH, ok := entry.EntryPerArea[p.area]
		if !ok {
			continue
		}
		prices = append(prices, types.SpotPrice{
			TS:       entry.DeliveryStart,
			PerKWH:   perMWH / 1000.0,
			Currency: p.currency,
		})
	}
	sort.Slice(prices, func(i, j int) bool {
		return prices[i].TS.Before(prices[j].TS)
	})
	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched nordpool prices",
		slog.String("area", p.area),
		slog.String("date", string(date)),
		slog.Int("count", len(prices)),
	)
	return prices, nil
}

// CurrentPrice implements Source. It prefers the current hour of today's
// series, then the mean of today's hours, then falls back to yesterday's
// series when today's auction is not published yet.
func (p *NordPool) CurrentPrice(ctx context.Context) (float64, error) {
	now := p.now().In(p.loc)
	today := types.NewDateKey(now)

	prices, err := p.PricesForDate(ctx, today)
	if err != nil || len(prices) == 0 {
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to fetch today's nordpool prices", slog.Any("error", err))
		}
		prices, err = p.PricesForDate(ctx, today.AddDays(-1))
		if err != nil {
			return 0, err
		}
		if len(prices) == 0 {
			return 0, fmt.Errorf("no nordpool prices for %s or the day before", today)
		}
	}

	var sum float64
	for _, price := range prices {
		ts := price.TS.In(p.loc)
		if ts.YearDay() == now.YearDay() && ts.Year() == now.Year() && ts.Hour() == now.Hour() {
			return price.PerKWH, nil
		}
		sum += price.PerKWH
	}
	return sum / float64(len(prices)), nil
}

// MeanForRange implements Source. Billing periods span weeks, so the mean of
// the period's middle day stands in for the whole range.
func (p *NordPool) MeanForRange(ctx context.Context, from, to time.Time) (float64, error) {
	middle := from.Add(to.Sub(from) / 2).In(p.loc)
	prices, err := p.PricesForDate(ctx, types.NewDateKey(middle))
	if err != nil {
		return 0, err
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no nordpool prices for %s", types.NewDateKey(middle))
	}
	var sum float64
	for _, price := range prices {
		sum += price.PerKWH
	}
	return sum / float64(len(prices)), nil
}
