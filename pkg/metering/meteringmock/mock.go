// Package meteringmock provides a testify mock of the metering client.
package meteringmock

import (
	"context"
	"time"

	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/metering"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockClient struct {
	mock.Mock
}

var _ metering.Client = (*MockClient)(nil)

func (m *MockClient) FetchMeters(ctx context.Context) ([]types.Meter, error) {
	args := m.Called(ctx)
	meters, _ := args.Get(0).([]types.Meter)
	return meters, args.Error(1)
}

func (m *MockClient) FetchDailySeries(ctx context.Context, meter types.Meter, from, to types.DateKey) ([]types.RawPoint, error) {
	args := m.Called(ctx, meter, from, to)
	points, _ := args.Get(0).([]types.RawPoint)
	return points, args.Error(1)
}

func (m *MockClient) FetchMonthlyTotal(ctx context.Context, meter types.Meter, month types.MonthKey) (types.MonthlyTotal, error) {
	args := m.Called(ctx, meter, month)
	total, _ := args.Get(0).(types.MonthlyTotal)
	return total, args.Error(1)
}

func (m *MockClient) FetchBilling(ctx context.Context, from, to time.Time) ([]types.BillingPeriod, error) {
	args := m.Called(ctx, from, to)
	periods, _ := args.Get(0).([]types.BillingPeriod)
	return periods, args.Error(1)
}
