// Package logistics estimates transport distance, vehicle class, cost per
// kilogram and transit time for a listing.
//
// Estimates are advisory: Estimate never fails and degrades to a bounded
// random fallback on malformed input. Randomness is injected so results are
// reproducible in tests. Geometry uses float64 throughout; the figures are
// rounded before they leave the package.
package logistics

import (
	"math"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/digitalmandi/mandi-engine/internal/model"
	"github.com/digitalmandi/mandi-engine/internal/refdata"
)

const (
	// EarthRadiusKm is the mean Earth radius used by Haversine.
	EarthRadiusKm = 6371.0

	MinDistanceKm = 2.0
	MinCostPerKg  = 1.0

	maxLocalDistanceKm = 50.0
	avgSpeedKmh        = 35.0
	trafficBuffer      = 1.3
	loadingHours       = 1.5
	handlingPerKg      = 0.5
	fuelPerKm          = 8.5
	defaultRatePerKm   = 10.0
	fallbackTransitHrs = 2.5
)

// Rand is the source of uniform draws in [0, 1).
// *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	Float64() float64
}

// Estimator computes logistics estimates. It is safe for concurrent use;
// draws from the injected source are serialized.
type Estimator struct {
	tables *refdata.Tables

	mu  sync.Mutex
	rnd Rand
}

// NewEstimator creates an estimator drawing jitter from rnd.
func NewEstimator(tables *refdata.Tables, rnd Rand) *Estimator {
	return &Estimator{tables: tables, rnd: rnd}
}

// NewSeeded creates an estimator with a PCG source seeded from seed.
func NewSeeded(tables *refdata.Tables, seed uint64) *Estimator {
	return NewEstimator(tables, rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)))
}

// Estimate returns the logistics estimate for quantityKg picked up at
// location. Distance is floored at MinDistanceKm and cost at MinCostPerKg.
func (e *Estimator) Estimate(location string, quantityKg int64) (est model.LogisticsEstimate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Str("location", location).Msg("logistics estimate failed, using fallback")
			est = e.fallback(quantityKg)
		}
	}()

	loc := strings.ToLower(strings.TrimSpace(location))
	if loc == "" || quantityKg <= 0 {
		return e.fallback(quantityKg)
	}

	city := e.resolveCity(loc)
	distance := e.distanceToMarket(city)
	vehicle := VehicleFor(quantityKg)
	cost := e.costPerKg(distance, quantityKg, vehicle)

	distance = math.Max(MinDistanceKm, round(distance+e.uniform(-1.5, 2.0), 1))
	cost = math.Max(MinCostPerKg, round(cost+e.uniform(-0.5, 1.0), 2))

	return model.LogisticsEstimate{
		City:               city,
		DistanceKm:         distance,
		Vehicle:            vehicle,
		CostPerKg:          cost,
		TransitHours:       TransitHours(distance),
		FuelCostEstimate:   round(distance*fuelPerKm, 2),
		TotalTransportCost: round(cost*float64(quantityKg), 2),
	}
}

// resolveCity maps free-text location to a gazetteer key: exact match on
// the first token, then substring match in table order, then the default.
func (e *Estimator) resolveCity(loc string) string {
	token := loc
	if i := strings.IndexByte(loc, ','); i >= 0 {
		token = loc[:i]
	} else if fields := strings.Fields(loc); len(fields) > 0 {
		token = fields[0]
	}
	token = strings.TrimSpace(token)

	if _, ok := e.tables.City(token); ok {
		return token
	}
	for _, c := range e.tables.Cities {
		if strings.Contains(loc, c.Name) || (token != "" && strings.Contains(c.Name, token)) {
			return c.Name
		}
	}
	return e.tables.DefaultCity
}

// distanceToMarket returns the pickup distance from city to the nearest
// hub: a short local leg inside a hub, otherwise the great-circle distance
// plus a farm-to-city leg, capped for local logistics.
func (e *Estimator) distanceToMarket(city string) float64 {
	if e.tables.IsHub(city) {
		return e.uniform(5, 15)
	}

	origin, ok := e.tables.City(city)
	if !ok {
		origin, _ = e.tables.City(e.tables.DefaultCity)
	}

	nearest := math.Inf(1)
	for _, h := range e.tables.Hubs {
		hub, _ := e.tables.City(h)
		nearest = math.Min(nearest, Haversine(origin.Lat, origin.Lon, hub.Lat, hub.Lon))
	}

	local := e.uniform(8, 25)
	return math.Min(nearest+local, maxLocalDistanceKm)
}

func (e *Estimator) costPerKg(distance float64, quantityKg int64, vehicle model.VehicleClass) float64 {
	rate, ok := e.tables.TransportRates[string(vehicle)]
	if !ok {
		rate = defaultRatePerKm
	}
	return CostPerKg(distance, quantityKg, rate)
}

// fallback is the bounded estimate used when input cannot be processed.
func (e *Estimator) fallback(quantityKg int64) model.LogisticsEstimate {
	distance := math.Max(MinDistanceKm, round(e.uniform(3, 12), 1))
	cost := math.Max(MinCostPerKg, round(e.uniform(2, 5), 2))

	var total float64
	if quantityKg > 0 {
		total = round(cost*float64(quantityKg), 2)
	}
	return model.LogisticsEstimate{
		City:               e.tables.DefaultCity,
		DistanceKm:         distance,
		Vehicle:            model.VehicleSmallTruck,
		CostPerKg:          cost,
		TransitHours:       fallbackTransitHrs,
		FuelCostEstimate:   round(distance*fuelPerKm, 2),
		TotalTransportCost: total,
		Fallback:           true,
	}
}

func (e *Estimator) uniform(lo, hi float64) float64 {
	return lo + (hi-lo)*e.rnd.Float64()
}

// VehicleFor selects the vehicle class for a quantity in kilograms.
func VehicleFor(quantityKg int64) model.VehicleClass {
	switch {
	case quantityKg <= 500:
		return model.VehicleTractor
	case quantityKg <= 2000:
		return model.VehicleSmallTruck
	case quantityKg <= 5000:
		return model.VehicleMediumTruck
	default:
		return model.VehicleLargeTruck
	}
}

// CostPerKg computes the per-kilogram transport cost for a round trip at
// ratePerKm, with a fuel surcharge beyond 20 km, handling charges and bulk
// discounts (20% above 2000 kg, otherwise 10% above 1000 kg), floored at
// MinCostPerKg.
func CostPerKg(distance float64, quantityKg int64, ratePerKm float64) float64 {
	vehicleCost := distance * ratePerKm * 2
	if distance > 20 {
		vehicleCost *= 1.2
	}
	qty := float64(quantityKg)
	perKg := (vehicleCost + qty*handlingPerKg) / qty

	switch {
	case quantityKg > 2000:
		perKg *= 0.8
	case quantityKg > 1000:
		perKg *= 0.9
	}
	return math.Max(MinCostPerKg, perKg)
}

// TransitHours estimates door-to-door hours for a distance, including a
// traffic buffer and loading time, rounded to one decimal.
func TransitHours(distance float64) float64 {
	travel := distance / avgSpeedKmh
	return round(travel*trafficBuffer+loadingHours, 1)
}

// Haversine returns the great-circle distance in km between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(a))
}

func round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}
