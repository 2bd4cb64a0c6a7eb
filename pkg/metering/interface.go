// Package metering defines the boundary to the remote metering service and
// provides the EcoGuard HTTP implementation of it.
package metering

import (
	"context"
	"errors"
	"time"

	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/types"
)

var (
	// ErrAuthFailed is non-retryable; it must surface to the caller so
	// re-authentication can happen upstream.
	ErrAuthFailed = errors.New("metering: authentication failed")

	// ErrRateLimited and ErrTransient are retried at this boundary. If the
	// retries exhaust they surface to the engine, which reports the value as
	// unavailable rather than failing the whole refresh.
	ErrRateLimited = errors.New("metering: rate limited")
	ErrTransient   = errors.New("metering: transient fetch error")

	// ErrUnavailable means the request succeeded but the service has no data
	// for it yet.
	ErrUnavailable = errors.New("metering: data unavailable")

	// ErrNoBillingData is the expected steady state early in a billing cycle.
	ErrNoBillingData = errors.New("metering: no billing data")
)

// Client is the capability the engine consumes. Implementations own
// authentication, request signing, retries and backoff; the engine handles
// only domain-level failures.
type Client interface {
	// FetchMeters returns the measuring points visible to the account.
	// Called once at startup; meter identity is read-only afterwards.
	FetchMeters(ctx context.Context) ([]types.Meter, error)

	// FetchDailySeries returns raw daily points for one meter over
	// [from, to] inclusive. Days the service has not received data for yet
	// come back with nil values, never zero.
	FetchDailySeries(ctx context.Context, meter types.Meter, from, to types.DateKey) ([]types.RawPoint, error)

	// FetchMonthlyTotal returns the service-side monthly total for one meter,
	// or ErrUnavailable if the service has none.
	FetchMonthlyTotal(ctx context.Context, meter types.Meter, month types.MonthKey) (types.MonthlyTotal, error)

	// FetchBilling returns the billing periods starting inside [from, to].
	FetchBilling(ctx context.Context, from, to time.Time) ([]types.BillingPeriod, error)
}
