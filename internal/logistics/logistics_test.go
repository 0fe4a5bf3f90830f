package logistics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/digitalmandi/mandi-engine/internal/model"
	"github.com/digitalmandi/mandi-engine/internal/refdata"
)

// fixedRand returns the same draw every time, so uniform(lo, hi) is
// deterministic: 0 → lo, 1 → hi.
type fixedRand float64

func (f fixedRand) Float64() float64 { return float64(f) }

func TestEstimate_NonHubLowDraw(t *testing.T) {
	e := NewEstimator(refdata.Default(), fixedRand(0))

	est := e.Estimate("Jaipur", 1000)

	// Jaipur is ~230 km from Delhi, so the 50 km cap applies before jitter.
	assert.Equal(t, "jaipur", est.City)
	assert.Equal(t, model.VehicleSmallTruck, est.Vehicle)
	assert.InDelta(t, 48.5, est.DistanceKm, 1e-9)
	// (50*8.5*2*1.2 + 1000*0.5) / 1000 = 1.52, jitter -0.5.
	assert.InDelta(t, 1.02, est.CostPerKg, 1e-9)
	assert.InDelta(t, 3.3, est.TransitHours, 1e-9)
	assert.InDelta(t, 412.25, est.FuelCostEstimate, 1e-9)
	assert.InDelta(t, 1020.0, est.TotalTransportCost, 1e-9)
	assert.False(t, est.Fallback)
}

func TestEstimate_HubHighDraw(t *testing.T) {
	e := NewEstimator(refdata.Default(), fixedRand(1))

	est := e.Estimate("New Delhi, India", 100)

	assert.Equal(t, "delhi", est.City)
	assert.Equal(t, model.VehicleTractor, est.Vehicle)
	assert.InDelta(t, 17.0, est.DistanceKm, 1e-9)
	// (15*6*2 + 100*0.5) / 100 = 2.3, jitter +1.0.
	assert.InDelta(t, 3.3, est.CostPerKg, 1e-9)
	assert.InDelta(t, 2.1, est.TransitHours, 1e-9)
}

func TestEstimate_FloorsApplied(t *testing.T) {
	e := NewEstimator(refdata.Default(), fixedRand(0))

	est := e.Estimate("delhi", 100)

	// Raw distance 5 - 1.5 = 3.5; raw cost 1.1 - 0.5 = 0.6 → floored.
	assert.InDelta(t, 3.5, est.DistanceKm, 1e-9)
	assert.Equal(t, MinCostPerKg, est.CostPerKg)
}

func TestEstimate_Fallback(t *testing.T) {
	e := NewEstimator(refdata.Default(), fixedRand(0))

	for _, tc := range []struct {
		name     string
		location string
		qty      int64
	}{
		{"empty location", "", 100},
		{"blank location", "   ", 100},
		{"zero quantity", "jaipur", 0},
		{"negative quantity", "jaipur", -5},
	} {
		t.Run(tc.name, func(t *testing.T) {
			est := e.Estimate(tc.location, tc.qty)
			assert.True(t, est.Fallback)
			assert.Equal(t, model.VehicleSmallTruck, est.Vehicle)
			assert.InDelta(t, 3.0, est.DistanceKm, 1e-9)
			assert.InDelta(t, 2.0, est.CostPerKg, 1e-9)
			assert.Equal(t, 2.5, est.TransitHours)
		})
	}
}

type panicRand struct{}

func (panicRand) Float64() float64 { panic("source exhausted") }

func TestEstimate_RecoversFromPanic(t *testing.T) {
	calls := 0
	e := NewEstimator(refdata.Default(), &flakyRand{failFirst: 1, calls: &calls})

	est := e.Estimate("jaipur", 100)
	assert.True(t, est.Fallback)
	assert.GreaterOrEqual(t, est.DistanceKm, MinDistanceKm)
	assert.GreaterOrEqual(t, est.CostPerKg, MinCostPerKg)
}

// flakyRand panics for its first failFirst draws, then returns 0.5.
type flakyRand struct {
	failFirst int
	calls     *int
}

func (f *flakyRand) Float64() float64 {
	*f.calls++
	if *f.calls <= f.failFirst {
		panicRand{}.Float64()
	}
	return 0.5
}

func TestResolveCity(t *testing.T) {
	e := NewEstimator(refdata.Default(), fixedRand(0.5))

	tests := []struct {
		location string
		want     string
	}{
		{"jaipur", "jaipur"},
		{"pune, maharashtra", "pune"},
		{"village near nagpur", "nagpur"},
		{"vizag", "delhi"},
		{"visakha", "visakhapatnam"},
		{"somewhere unknown", "delhi"},
	}

	for _, tt := range tests {
		t.Run(tt.location, func(t *testing.T) {
			assert.Equal(t, tt.want, e.resolveCity(tt.location))
		})
	}
}

func TestVehicleFor(t *testing.T) {
	tests := []struct {
		qty  int64
		want model.VehicleClass
	}{
		{1, model.VehicleTractor},
		{500, model.VehicleTractor},
		{501, model.VehicleSmallTruck},
		{2000, model.VehicleSmallTruck},
		{2001, model.VehicleMediumTruck},
		{5000, model.VehicleMediumTruck},
		{5001, model.VehicleLargeTruck},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, VehicleFor(tt.qty), "qty %d", tt.qty)
	}
}

func TestCostPerKg_BulkDiscounts(t *testing.T) {
	// 1500 kg: (50*8.5*2*1.2 + 750) / 1500 = 1.18, 10% off.
	assert.InDelta(t, 1.062, CostPerKg(50, 1500, 8.5), 1e-9)

	// 2500 kg: the 20% discount replaces the 10% one.
	// (200*12*2*1.2 + 1250) / 2500 = 2.804.
	assert.InDelta(t, 2.804*0.8, CostPerKg(200, 2500, 12), 1e-9)

	// No surcharge at exactly 20 km.
	assert.InDelta(t, (20*6*2+50)/100.0, CostPerKg(20, 100, 6), 1e-9)

	assert.Equal(t, MinCostPerKg, CostPerKg(1, 100000, 6))
}

func TestHaversine(t *testing.T) {
	// Delhi → Mumbai is roughly 1150 km.
	dist := Haversine(28.6139, 77.2090, 19.0760, 72.8777)
	assert.InDelta(t, 1150, dist, 15)
	assert.Zero(t, Haversine(10, 10, 10, 10))
}

func TestTransitHours(t *testing.T) {
	assert.Equal(t, 1.5, TransitHours(0))
	assert.Equal(t, 3.4, TransitHours(50))
}

func TestNewSeeded_Reproducible(t *testing.T) {
	a := NewSeeded(refdata.Default(), 42)
	b := NewSeeded(refdata.Default(), 42)

	for _, loc := range []string{"jaipur", "mumbai", "agra", ""} {
		require.Equal(t, a.Estimate(loc, 750), b.Estimate(loc, 750), loc)
	}
}

func TestEstimate_FloorsProperty(t *testing.T) {
	tables := refdata.Default()
	rapid.Check(t, func(t *rapid.T) {
		seed := rapid.Uint64().Draw(t, "seed")
		qty := rapid.Int64Range(1, 1_000_000).Draw(t, "qty")
		location := rapid.SampledFrom([]string{"delhi", "Jaipur", "agra, up", "", "xyz"}).Draw(t, "location")

		est := NewSeeded(tables, seed).Estimate(location, qty)

		if est.DistanceKm < MinDistanceKm {
			t.Fatalf("distance %v below floor for %q qty=%d", est.DistanceKm, location, qty)
		}
		if est.CostPerKg < MinCostPerKg {
			t.Fatalf("cost %v below floor for %q qty=%d", est.CostPerKg, location, qty)
		}
		if est.TransitHours <= 0 {
			t.Fatalf("non-positive transit time %v", est.TransitHours)
		}
	})
}

func TestEstimate_DelhiBoundaryQuantities(t *testing.T) {
	e := NewSeeded(refdata.Default(), 7)
	for _, qty := range []int64{1, 100, 1_000_000} {
		est := e.Estimate("delhi", qty)
		assert.GreaterOrEqual(t, est.DistanceKm, 2.0)
		assert.GreaterOrEqual(t, est.CostPerKg, 1.0)
	}
}
