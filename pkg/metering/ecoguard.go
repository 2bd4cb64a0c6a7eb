package metering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/common"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/log"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/types"
)

const (
	defaultAPIURL = "https://integration.ecoguard.se"

	// the service itself lags hours behind the meters, so per-request
	// timeouts can be generous
	requestTimeout = 30 * time.Second

	maxAttempts = 3
	retryDelay  = time.Second
)

// EcoGuard talks to the EcoGuard integration API. Authentication is external
// to the engine: the bearer token is handed in and refreshed by the caller.
type EcoGuard struct {
	apiURL string
	domain string
	nodeID string
	token  func(ctx context.Context) (string, error)
	client *http.Client
	loc    *time.Location

	retryWait time.Duration
}

// configuredEcoGuard sets up flags for the EcoGuard client and returns the
// instance.
func configuredEcoGuard() *EcoGuard {
	c := &EcoGuard{
		client:    common.HTTPClient(requestTimeout),
		loc:       time.UTC,
		retryWait: retryDelay,
	}
	apiURL := lflag.String("ecoguard-api-url", defaultAPIURL, "Base URL for the EcoGuard integration API")
	domain := lflag.String("ecoguard-domain", "", "EcoGuard domain code")
	nodeID := lflag.String("ecoguard-node-id", "", "EcoGuard node ID to aggregate")
	token := lflag.String("ecoguard-token", "", "Bearer token for the EcoGuard API")

	lflag.Do(func() {
		c.apiURL = *apiURL
		c.domain = *domain
		c.nodeID = *nodeID
		staticToken := *token
		c.token = func(context.Context) (string, error) {
			return staticToken, nil
		}
	})

	return c
}

// Configured sets up the metering client based on flags.
func Configured() *EcoGuard {
	return configuredEcoGuard()
}

// NewEcoGuard builds a client directly. tokenFn supplies the bearer token for
// each request; loc is the timezone readings are bucketed into.
func NewEcoGuard(apiURL, domain, nodeID string, tokenFn func(ctx context.Context) (string, error), client *http.Client, loc *time.Location) *EcoGuard {
	if client == nil {
		client = common.HTTPClient(requestTimeout)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &EcoGuard{
		apiURL:    apiURL,
		domain:    domain,
		nodeID:    nodeID,
		token:     tokenFn,
		client:    client,
		loc:       loc,
		retryWait: retryDelay,
	}
}

// SetLocation sets the timezone daily readings are bucketed into.
func (c *EcoGuard) SetLocation(loc *time.Location) {
	c.loc = loc
}

// Validate ensures the configuration is valid.
func (c *EcoGuard) Validate() error {
	if c.apiURL == "" {
		return fmt.Errorf("ecoguard-api-url is required")
	}
	if _, err := url.Parse(c.apiURL); err != nil {
		return fmt.Errorf("failed to parse ecoguard url (%s): %w", c.apiURL, err)
	}
	if c.domain == "" {
		return fmt.Errorf("ecoguard-domain is required")
	}
	if c.nodeID == "" {
		return fmt.Errorf("ecoguard-node-id is required")
	}
	return nil
}

// Wire payloads. Decoded once here; untyped maps never leave this package.

type dataNode struct {
	ID     int64        `json:"ID"`
	Name   string       `json:"Name"`
	Result []dataResult `json:"Result"`
}

type dataResult struct {
	Utl    string      `json:"Utl"`
	Func   string      `json:"Func"`
	Unit   string      `json:"Unit"`
	Values []dataValue `json:"Values"`
}

type dataValue struct {
	Time  int64    `json:"Time"`
	Value *float64 `json:"Value"`
}

type measuringPoint struct {
	ID          int64  `json:"ID"`
	Name        string `json:"Name"`
	UtilityCode string `json:"UtilityCode"`
}

type billingResult struct {
	Start    int64             `json:"Start"`
	End      int64             `json:"End"`
	Currency string            `json:"Currency"`
	Parts    []billingWirePart `json:"Parts"`
}

type billingWirePart struct {
	Code     *string           `json:"Code"`
	Name     string            `json:"Name"`
	Rounding float64           `json:"Rounding"`
	Items    []billingWireItem `json:"Items"`
}

type billingWireItem struct {
	Rate           float64        `json:"Rate"`
	RateUnit       string         `json:"RateUnit"`
	Quantity       float64        `json:"Quantity"`
	Total          float64        `json:"Total"`
	PriceComponent priceComponent `json:"PriceComponent"`
}

type priceComponent struct {
	Type string `json:"Type"`
	Name string `json:"Name"`
}

// get performs an authenticated GET with retries for transient and
// rate-limited failures. Auth failures are never retried here; they must
// reach the caller so re-authentication can happen upstream.
func (c *EcoGuard) get(ctx context.Context, path string, query url.Values, out any) error {
	delay := c.retryWait
	for attempt := 1; ; attempt++ {
		err := c.getOnce(ctx, path, query, out)
		if err == nil {
			return nil
		}
		retryable := errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
		if !retryable || attempt == maxAttempts {
			return err
		}
		log.Ctx(ctx).WarnContext(
			ctx,
			"retrying ecoguard request",
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (c *EcoGuard) getOnce(ctx context.Context, path string, query url.Values, out any) error {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return fmt.Errorf("invalid api url: %w", err)
	}
	u.Path = "/api/" + c.domain + path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get token: %w", ErrAuthFailed)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: status 401 from %s", ErrAuthFailed, path)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status 429 from %s", ErrRateLimited, path)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d from %s", ErrTransient, resp.StatusCode, path)
	default:
		return fmt.Errorf("ecoguard api returned status %d for %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

// FetchMeters implements Client.
func (c *EcoGuard) FetchMeters(ctx context.Context) ([]types.Meter, error) {
	query := url.Values{}
	query.Set("nodeid", c.nodeID)
	query.Set("includesubnodes", "true")

	var points []measuringPoint
	if err := c.get(ctx, "/measuringpoints", query, &points); err != nil {
		return nil, err
	}

	meters := make([]types.Meter, 0, len(points))
	for _, p := range points {
		meters = append(meters, types.Meter{
			ID:      fmt.Sprintf("%d", p.ID),
			Name:    p.Name,
			Utility: types.ParseUtilityCode(p.UtilityCode),
		})
	}
	log.Ctx(ctx).DebugContext(ctx, "fetched measuring points", slog.Int("count", len(meters)))
	return meters, nil
}

// FetchDailySeries implements Client. It queries both the consumption and
// price functions for the meter's utility and merges them per day.
func (c *EcoGuard) FetchDailySeries(ctx context.Context, meter types.Meter, from, to types.DateKey) ([]types.RawPoint, error) {
	fromTime, err := from.Time(c.loc)
	if err != nil {
		return nil, fmt.Errorf("invalid from date %q: %w", from, err)
	}
	toTime, err := to.Time(c.loc)
	if err != nil {
		return nil, fmt.Errorf("invalid to date %q: %w", to, err)
	}
	// the service's to is exclusive; extend to the start of the next day so
	// the last requested day is included
	toTime = toTime.AddDate(0, 0, 1)

	query := url.Values{}
	query.Set("from", fmt.Sprintf("%d", fromTime.Unix()))
	query.Set("to", fmt.Sprintf("%d", toTime.Unix()))
	query.Set("interval", "d")
	query.Set("grouping", "apartment")
	query.Set("measuringpointid", meter.ID)
	query.Add("utl", string(meter.Utility)+"[con]")
	query.Add("utl", string(meter.Utility)+"[price]")

	var nodes []dataNode
	if err := c.get(ctx, "/data", query, &nodes); err != nil {
		return nil, err
	}

	byDate := make(map[types.DateKey]*types.RawPoint)
	for _, node := range nodes {
		for _, result := range node.Result {
			if types.ParseUtilityCode(result.Utl) != meter.Utility {
				continue
			}
			for _, v := range result.Values {
				date := types.NewDateKey(time.Unix(v.Time, 0).In(c.loc))
				p, ok := byDate[date]
				if !ok {
					p = &types.RawPoint{MeterID: meter.ID, Utility: meter.Utility, Date: date}
					byDate[date] = p
				}
				switch result.Func {
				case "con":
					p.Consumption = v.Value
				case "price":
					p.Price = v.Value
				}
			}
		}
	}

	points := make([]types.RawPoint, 0, len(byDate))
	for _, p := range byDate {
		points = append(points, *p)
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched daily series",
		slog.String("meterID", meter.ID),
		slog.String("utility", string(meter.Utility)),
		slog.Int("days", len(points)),
	)
	return points, nil
}

// FetchMonthlyTotal implements Client.
func (c *EcoGuard) FetchMonthlyTotal(ctx context.Context, meter types.Meter, month types.MonthKey) (types.MonthlyTotal, error) {
	start, end, err := month.Bounds(c.loc)
	if err != nil {
		return types.MonthlyTotal{}, fmt.Errorf("invalid month %q: %w", month, err)
	}

	query := url.Values{}
	query.Set("from", fmt.Sprintf("%d", start.Unix()))
	query.Set("to", fmt.Sprintf("%d", end.Unix()))
	query.Set("interval", "m")
	query.Set("grouping", "apartment")
	query.Set("measuringpointid", meter.ID)
	query.Add("utl", string(meter.Utility)+"[con]")
	query.Add("utl", string(meter.Utility)+"[price]")

	var nodes []dataNode
	if err := c.get(ctx, "/data", query, &nodes); err != nil {
		return types.MonthlyTotal{}, err
	}

	var total types.MonthlyTotal
	for _, node := range nodes {
		for _, result := range node.Result {
			if types.ParseUtilityCode(result.Utl) != meter.Utility {
				continue
			}
			for _, v := range result.Values {
				if v.Value == nil {
					continue
				}
				if types.NewMonthKey(time.Unix(v.Time, 0).In(c.loc)) != month {
					continue
				}
				switch result.Func {
				case "con":
					total.Consumption = v.Value
				case "price":
					total.Price = v.Value
				}
			}
		}
	}
	if total.Consumption == nil && total.Price == nil {
		return types.MonthlyTotal{}, fmt.Errorf("%w: no monthly total for meter %s month %s", ErrUnavailable, meter.ID, month)
	}
	return total, nil
}

// FetchBilling implements Client.
func (c *EcoGuard) FetchBilling(ctx context.Context, from, to time.Time) ([]types.BillingPeriod, error) {
	query := url.Values{}
	query.Set("nodeID", c.nodeID)
	query.Set("startFrom", fmt.Sprintf("%d", from.Unix()))
	query.Set("startTo", fmt.Sprintf("%d", to.Unix()))

	var results []billingResult
	if err := c.get(ctx, "/billingresults", query, &results); err != nil {
		return nil, err
	}

	periods := make([]types.BillingPeriod, 0, len(results))
	for _, r := range results {
		if r.Start == 0 || r.End == 0 {
			continue
		}
		period := types.BillingPeriod{
			Start:    time.Unix(r.Start, 0).In(c.loc),
			End:      time.Unix(r.End, 0).In(c.loc),
			Currency: r.Currency,
		}
		for _, part := range r.Parts {
			bp := types.BillingPart{
				Name:     part.Name,
				Rounding: part.Rounding,
			}
			if part.Code != nil && *part.Code != "" {
				bp.Utility = types.ParseUtilityCode(*part.Code)
			}
			for _, item := range part.Items {
				bp.Items = append(bp.Items, types.BillingItem{
					ComponentName: item.PriceComponent.Name,
					ComponentType: item.PriceComponent.Type,
					Rate:          item.Rate,
					RateUnit:      item.RateUnit,
					Quantity:      item.Quantity,
					Total:         item.Total,
				})
			}
			period.Parts = append(period.Parts, bp)
		}
		periods = append(periods, period)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetched billing results", slog.Int("count", len(periods)))
	return periods, nil
}
