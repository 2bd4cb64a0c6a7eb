package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/billing"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/metering"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/metering/meteringmock"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/spot/spotmock"
	"github.com/skogsmaskin/ecoguard-home-assistant/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	hwMeter = types.Meter{ID: "1", Name: "Hot water", Utility: types.UtilityHotWater}
	cwMeter = types.Meter{ID: "2", Name: "Cold water", Utility: types.UtilityColdWater}
)

// testEngine builds an engine pinned to 2026-04-10 with no billing history
// and a flat spot price.
func testEngine(t *testing.T, mc *meteringmock.MockClient) *Engine {
	t.Helper()
	spots := &spotmock.MockSource{}
	spots.On("CurrentPrice", mock.Anything).Return(0.5, nil).Maybe()
	spots.On("MeanForRange", mock.Anything, mock.Anything, mock.Anything).Return(0.5, nil).Maybe()

	bills := billing.NewManager(mc, spots, 4)
	e := NewEngine(mc, spots, bills, time.UTC, "NOK")
	e.now = func() time.Time { return time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC) }
	return e
}

func expectMeters(mc *meteringmock.MockClient, meters ...types.Meter) {
	mc.On("FetchMeters", mock.Anything).Return(meters, nil).Once()
}

func points(from types.DateKey, consumption []float64, price []float64) []types.RawPoint {
	var out []types.RawPoint
	for i := range consumption {
		p := types.RawPoint{Date: from.AddDays(i)}
		if consumption[i] >= 0 {
			p.Consumption = types.Float(consumption[i])
		}
		if price != nil && price[i] >= 0 {
			p.Price = types.Float(price[i])
		}
		out = append(out, p)
	}
	return out
}

func TestEngineDaily(t *testing.T) {
	ctx := context.Background()

	t.Run("ConsumptionWalksBack", func(t *testing.T) {
		mc := &meteringmock.MockClient{}
		expectMeters(mc, hwMeter)
		// 2026-04-07 has the last valid point, then two nulls
		mc.On("FetchDailySeries", mock.Anything, hwMeter, mock.Anything, mock.Anything).
			Return(points("2026-04-07", []float64{5, -1, -1}, nil), nil).Once()

		e := testEngine(t, mc)
		require.NoError(t, e.Init(ctx))

		v, err := e.DailyConsumption(ctx, UtilityScope(types.UtilityHotWater))
		require.NoError(t, err)
		require.NotNil(t, v.Value)
		assert.Equal(t, 5.0, *v.Value)
		assert.Equal(t, types.DateKey("2026-04-07"), v.AsOf)
		require.NotNil(t, v.LagDays)
		assert.Equal(t, 3, *v.LagDays)
		assert.Equal(t, "m3", v.Unit)
		assert.Equal(t, []string{"1"}, v.MeterIDs)
		mc.AssertExpectations(t)
	})

	t.Run("AllNullIsUnavailable", func(t *testing.T) {
		mc := &meteringmock.MockClient{}
		expectMeters(mc, hwMeter)
		mc.On("FetchDailySeries", mock.Anything, hwMeter, mock.Anything, mock.Anything).
			Return(points("2026-04-09", []float64{-1, -1}, nil), nil).Once()

		e := testEngine(t, mc)
		require.NoError(t, e.Init(ctx))

		v, err := e.DailyConsumption(ctx, UtilityScope(types.UtilityHotWater))
		require.NoError(t, err)
		assert.Nil(t, v.Value)
		assert.Nil(t, v.LagDays)
	})

	t.Run("ConcurrentCallersShareOneFetch", func(t *testing.T) {
		mc := &meteringmock.MockClient{}
		expectMeters(mc, hwMeter)
		mc.On("FetchDailySeries", mock.Anything, hwMeter, mock.Anything, mock.Anything).
			Run(func(mock.Arguments) { time.Sleep(20 * time.Millisecond) }).
			Return(points("2026-04-10", []float64{1}, nil), nil).Once()

		e := testEngine(t, mc)
		require.NoError(t, e.Init(ctx))

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := e.DailyConsumption(ctx, UtilityScope(types.UtilityHotWater))
				assert.NoError(t, err)
				if assert.NotNil(t, v.Value) {
					assert.Equal(t, 1.0, *v.Value)
				}
			}()
		}
		wg.Wait()
		mc.AssertExpectations(t)
	})

	t.Run("PartialFailureIsolated", func(t *testing.T) {
		hw2 := types.Meter{ID: "3", Utility: types.UtilityHotWater}
		mc := &meteringmock.MockClient{}
		expectMeters(mc, hwMeter, hw2)
		mc.On("FetchDailySeries", mock.Anything, hwMeter, mock.Anything, mock.Anything).
			Return(points("2026-04-10", []float64{2}, nil), nil).Once()
		mc.On("FetchDailySeries", mock.Anything, hw2, mock.Anything, mock.Anything).
			Return([]types.RawPoint(nil), metering.ErrTransient)

		e := testEngine(t, mc)
		require.NoError(t, e.Init(ctx))

		v, err := e.DailyConsumption(ctx, UtilityScope(types.UtilityHotWater))
		require.NoError(t, err)
		require.NotNil(t, v.Value)
		assert.Equal(t, 2.0, *v.Value)
		assert.Equal(t, []string{"1"}, v.MeterIDs)
	})

	t.Run("CombinedWaterForbidsPartial", func(t *testing.T) {
		mc := &meteringmock.MockClient{}
		expectMeters(mc, hwMeter, cwMeter)
		mc.On("FetchDailySeries", mock.Anything, hwMeter, mock.Anything, mock.Anything).
			Return(points("2026-04-10", []float64{2}, nil), nil).Once()
		mc.On("FetchDailySeries", mock.Anything, cwMeter, mock.Anything, mock.Anything).
			Return(points("2026-04-10", []float64{-1}, nil), nil).Once()

		e := testEngine(t, mc)
		require.NoError(t, e.Init(ctx))

		v, err := e.DailyConsumption(ctx, UtilityScope(types.UtilityCombinedWater))
		require.NoError(t, err)
		assert.Nil(t, v.Value, "cold water has no data so the combination must be unavailable")
	})

	t.Run("CombinedWaterSums", func(t *testing.T) {
		mc := &meteringmock.MockClient{}
		expectMeters(mc, hwMeter, cwMeter)
		mc.On("FetchDailySeries", mock.Anything, hwMeter, mock.Anything, mock.Anything).
			Return(points("2026-04-10", []float64{2}, nil), nil).Once()
		mc.On("FetchDailySeries", mock.Anything, cwMeter, mock.Anything, mock.Anything).
			Return(points("2026-04-10", []float64{3}, nil), nil).Once()

		e := testEngine(t, mc)
		require.NoError(t, e.Init(ctx))

		v, err := e.DailyConsumption(ctx, UtilityScope(types.UtilityCombinedWater))
		require.NoError(t, err)
		require.NotNil(t, v.Value)
		assert.Equal(t, 5.0, *v.Value)
		assert.Equal(t, []string{"1", "2"}, v.MeterIDs)
	})

	t.Run("MeterScope", func(t *testing.T) {
		mc := &meteringmock.MockClient{}
		expectMeters(mc, hwMeter, cwMeter)
		mc.On("FetchDailySeries", mock.Anything, hwMeter, mock.Anything, mock.Anything).
			Return(points("2026-04-10", []float64{2}, nil), nil).Once()

		e := testEngine(t, mc)
		require.NoError(t, e.Init(ctx))

		v, err := e.DailyConsumption(ctx, MeterScope("1"))
		require.NoError(t, err)
		require.NotNil(t, v.Value)
		assert.Equal(t, 2.0, *v.Value)
		assert.Equal(t, "m3", v.Unit)

		_, err = e.DailyConsumption(ctx, MeterScope("nope"))
		assert.Error(t, err)
	})
}

func TestEngineDailyCost(t *testing.T) {
	ctx := context.Background()

	t.Run("EstimatedCollapsesToMetered", func(t *testing.T) {
		mc := &meteringmock.MockClient{}
		expectMeters(mc, hwMeter)
		mc.On("FetchDailySeries", mock.Anything, hwMeter, mock.Anything, mock.Anything).
			Return(points("2026-04-10", []float64{2}, []float64{46.5}), nil).Once()

		e := testEngine(t, mc)
		require.NoError(t, e.Init(ctx))

		metered, err := e.DailyCost(ctx, UtilityScope(types.UtilityHotWater), types.SourceMetered)
		require.NoError(t, err)
		estimated, err := e.DailyCost(ctx, UtilityScope(types.UtilityHotWater), types.SourceEstimated)
		require.NoError(t, err)

		require.NotNil(t, metered.Value)
		require.NotNil(t, estimated.Value)
		assert.Equal(t, *metered.Value, *estimated.Value)
		assert.False(t, estimated.Estimated, "metered data always wins")
	})

	t.Run("EstimateFillsMissingPrice", func(t *testing.T) {
		mc := &meteringmock.MockClient{}
		expectMeters(mc, hwMeter)
		mc.On("FetchDailySeries", mock.Anything, hwMeter, mock.Anything, mock.Anything).
			Return(points("2026-04-10", []float64{2}, nil), nil).Once()
		// no billing history: uncalibrated ratio 1.0 and no cold water rate
		mc.On("FetchBilling", mock.Anything, mock.Anything, mock.Anything).
			Return([]types.BillingPeriod{}, nil)

		e := testEngine(t, mc)
		require.NoError(t, e.Init(ctx))

		v, err := e.DailyCost(ctx, UtilityScope(types.UtilityHotWater), types.SourceEstimated)
		require.NoError(t, err)
		require.NotNil(t, v.Value)
		// 2 m3 × 45 kWh/m3 × 0.5/kWh × ratio 1.0
		assert.InDelta(t, 45.0, *v.Value, 0.0001)
		assert.True(t, v.Estimated)
		assert.True(t, v.Uncalibrated)
	})

	t.Run("EstimatePrefersMeteredColdWaterRate", func(t *testing.T) {
		mc := &meteringmock.MockClient{}
		expectMeters(mc, hwMeter, cwMeter)
		mc.On("FetchDailySeries", mock.Anything, hwMeter, mock.Anything, mock.Anything).
			Return(points("2026-04-10", []float64{2}, nil), nil).Once()
		// cold water covers the month to date at 1.5/m3 metered
		con := make([]float64, 10)
		price := make([]float64, 10)
		for i := range con {
			con[i] = 1.8
			price[i] = 2.7
		}
		mc.On("FetchDailySeries", mock.Anything, cwMeter, mock.Anything, mock.Anything).
			Return(points("2026-04-01", con, price), nil).Once()
		mc.On("FetchBilling", mock.Anything, mock.Anything, mock.Anything).
			Return([]types.BillingPeriod{}, nil)

		e := testEngine(t, mc)
		require.NoError(t, e.Init(ctx))

		v, err := e.DailyCost(ctx, UtilityScope(types.UtilityHotWater), types.SourceEstimated)
		require.NoError(t, err)
		require.NotNil(t, v.Value)
		// heating 2 × 45 × 0.5 plus base 2 × (27/18); no billing history, so
		// only the metered rate can supply the base component
		assert.InDelta(t, 48.0, *v.Value, 0.0001)
	})

	t.Run("MeteredNeverFallsBackToEstimate", func(t *testing.T) {
		mc := &meteringmock.MockClient{}
		expectMeters(mc, hwMeter)
		mc.On("FetchDailySeries", mock.Anything, hwMeter, mock.Anything, mock.Anything).
			Return(points("2026-04-10", []float64{2}, nil), nil).Once()

		e := testEngine(t, mc)
		require.NoError(t, e.Init(ctx))

		v, err := e.DailyCost(ctx, UtilityScope(types.UtilityHotWater), types.SourceMetered)
		require.NoError(t, err)
		assert.Nil(t, v.Value)
	})

	t.Run("NoEstimateForColdWater", func(t *testing.T) {
		mc := &meteringmock.MockClient{}
		expectMeters(mc, cwMeter)
		mc.On("FetchDailySeries", mock.Anything, cwMeter, mock.Anything, mock.Anything).
			Return(points("2026-04-10", []float64{2}, nil), nil).Once()

		e := testEngine(t, mc)
		require.NoError(t, e.Init(ctx))

		v, err := e.DailyCost(ctx, UtilityScope(types.UtilityColdWater), types.SourceEstimated)
		require.NoError(t, err)
		assert.Nil(t, v.Value)
	})
}

func TestEngineMonthly(t *testing.T) {
	ctx := context.Background()

	// today is 2026-04-10, so a covered month window is 04-01 through 04-10
	coveredMonth := func() []types.RawPoint {
		con := make([]float64, 10)
		price := make([]float64, 10)
		for i := range con {
			con[i] = 2
			price[i] = 3
		}
		con[4] = -1 // one null day, excluded not zeroed
		price[4] = -1
		return points("2026-04-01", con, price)
	}

	t.Run("SumsCoveredDailies", func(t *testing.T) {
		mc := &meteringmock.MockClient{}
		expectMeters(mc, hwMeter)
		mc.On("FetchDailySeries", mock.Anything, hwMeter, mock.Anything, mock.Anything).
			Return(coveredMonth(), nil).Once()

		e := testEngine(t, mc)
		require.NoError(t, e.Init(ctx))

		v, err := e.MonthlyConsumption(ctx, UtilityScope(types.UtilityHotWater), "2026-04")
		require.NoError(t, err)
		require.NotNil(t, v.Value)
		assert.Equal(t, 18.0, *v.Value)

		cost, err := e.MonthlyCost(ctx, UtilityScope(types.UtilityHotWater), "2026-04", types.SourceMetered)
		require.NoError(t, err)
		require.NotNil(t, cost.Value)
		assert.Equal(t, 27.0, *cost.Value)
		assert.Equal(t, "NOK", cost.Unit)

		// direct monthly fetch never needed
		mc.AssertNotCalled(t, "FetchMonthlyTotal", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("UncoveredMonthFetchesDirectly", func(t *testing.T) {
		mc := &meteringmock.MockClient{}
		expectMeters(mc, hwMeter)
		mc.On("FetchDailySeries", mock.Anything, hwMeter, mock.Anything, mock.Anything).
			Return(coveredMonth(), nil).Once()
		mc.On("FetchMonthlyTotal", mock.Anything, hwMeter, types.MonthKey("2026-02")).
			Return(types.MonthlyTotal{Consumption: types.Float(60), Price: types.Float(90)}, nil).Once()

		e := testEngine(t, mc)
		require.NoError(t, e.Init(ctx))

		v, err := e.MonthlyConsumption(ctx, UtilityScope(types.UtilityHotWater), "2026-02")
		require.NoError(t, err)
		require.NotNil(t, v.Value)
		assert.Equal(t, 60.0, *v.Value)
		mc.AssertExpectations(t)
	})

	t.Run("MonthlyAggregateCached", func(t *testing.T) {
		mc := &meteringmock.MockClient{}
		expectMeters(mc, hwMeter)
		mc.On("FetchDailySeries", mock.Anything, hwMeter, mock.Anything, mock.Anything).
			Return(coveredMonth(), nil).Once()

		e := testEngine(t, mc)
		require.NoError(t, e.Init(ctx))

		_, err := e.MonthlyConsumption(ctx, UtilityScope(types.UtilityHotWater), "2026-04")
		require.NoError(t, err)
		_, err = e.MonthlyConsumption(ctx, UtilityScope(types.UtilityHotWater), "2026-04")
		require.NoError(t, err)
		mc.AssertExpectations(t)
	})

	t.Run("CombinedMonthlyRequiresBoth", func(t *testing.T) {
		mc := &meteringmock.MockClient{}
		expectMeters(mc, hwMeter, cwMeter)
		mc.On("FetchDailySeries", mock.Anything, hwMeter, mock.Anything, mock.Anything).
			Return(coveredMonth(), nil).Once()
		mc.On("FetchDailySeries", mock.Anything, cwMeter, mock.Anything, mock.Anything).
			Return(points("2026-04-01", make([]float64, 0), nil), nil).Once()
		mc.On("FetchMonthlyTotal", mock.Anything, cwMeter, types.MonthKey("2026-04")).
			Return(types.MonthlyTotal{}, metering.ErrUnavailable)

		e := testEngine(t, mc)
		require.NoError(t, e.Init(ctx))

		v, err := e.MonthlyConsumption(ctx, UtilityScope(types.UtilityCombinedWater), "2026-04")
		require.NoError(t, err)
		assert.Nil(t, v.Value)
	})
}

func TestEndOfMonthProjection(t *testing.T) {
	ctx := context.Background()

	t.Run("ProjectsMeanOverRemainingDays", func(t *testing.T) {
		// 10 days at 3.0/day in a 30-day month with 20 days left: 30 + 3×20
		price := make([]float64, 10)
		con := make([]float64, 10)
		for i := range price {
			price[i] = 3
			con[i] = 1
		}
		mc := &meteringmock.MockClient{}
		expectMeters(mc, hwMeter)
		mc.On("FetchDailySeries", mock.Anything, hwMeter, mock.Anything, mock.Anything).
			Return(points("2026-04-01", con, price), nil).Once()

		e := testEngine(t, mc)
		require.NoError(t, e.Init(ctx))

		v, err := e.EndOfMonthProjection(ctx, types.UtilityHotWater)
		require.NoError(t, err)
		require.NotNil(t, v.Value)
		assert.InDelta(t, 90.0, *v.Value, 0.0001)
	})

	t.Run("ZeroObservedDaysUnavailable", func(t *testing.T) {
		mc := &meteringmock.MockClient{}
		expectMeters(mc, hwMeter)
		mc.On("FetchDailySeries", mock.Anything, hwMeter, mock.Anything, mock.Anything).
			Return(points("2026-04-01", []float64{1, 1}, nil), nil).Once()

		e := testEngine(t, mc)
		require.NoError(t, e.Init(ctx))

		v, err := e.EndOfMonthProjection(ctx, types.UtilityHotWater)
		require.NoError(t, err)
		assert.Nil(t, v.Value)
	})
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	mc := &meteringmock.MockClient{}
	expectMeters(mc, hwMeter, cwMeter)
	mc.On("FetchDailySeries", mock.Anything, hwMeter, mock.Anything, mock.Anything).
		Return(points("2026-04-10", []float64{1}, nil), nil)
	mc.On("FetchDailySeries", mock.Anything, cwMeter, mock.Anything, mock.Anything).
		Return([]types.RawPoint(nil), metering.ErrTransient)
	mc.On("FetchBilling", mock.Anything, mock.Anything, mock.Anything).
		Return([]types.BillingPeriod{}, nil)

	e := testEngine(t, mc)
	require.NoError(t, e.Init(ctx))

	err := e.Refresh(ctx)
	require.Error(t, err, "the failed meter is reported")
	assert.ErrorIs(t, err, metering.ErrTransient)

	// the healthy meter's cache was still warmed
	v, err := e.DailyConsumption(ctx, MeterScope("1"))
	require.NoError(t, err)
	require.NotNil(t, v.Value)
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("meter:42")
	require.NoError(t, err)
	assert.Equal(t, MeterScope("42"), s)
	assert.True(t, s.IsMeter())

	s, err = ParseScope("HW")
	require.NoError(t, err)
	assert.Equal(t, UtilityScope(types.UtilityHotWater), s)

	s, err = ParseScope("WATER")
	require.NoError(t, err)
	assert.True(t, s.IsCombinedWater())

	_, err = ParseScope("bogus")
	assert.Error(t, err)
	_, err = ParseScope("meter:")
	assert.Error(t, err)
}
