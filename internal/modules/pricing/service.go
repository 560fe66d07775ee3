// README: Pricing service computes fare estimates and quotes bookings from route geometry.
package pricing

import (
	"context"
	"fmt"
	"math"
	"time"

	"chauffeur/internal/types"
)

// RateLookup returns a stored multiplier override for a vehicle category.
type RateLookup interface {
	Multiplier(ctx context.Context, category string) (float64, bool, error)
}

type Service struct {
	rates    RateLookup
	routes   RouteEstimator
	currency string
}

func NewService(rates RateLookup, routes RouteEstimator, currency string) *Service {
	if routes == nil {
		routes = HaversineEstimator{}
	}
	if currency == "" {
		currency = "USD"
	}
	return &Service{rates: rates, routes: routes, currency: currency}
}

// Estimate prices a ride in whole fare units:
// base fare, distance beyond the first 1.25 km in 0.2 km steps, a per-minute
// charge (peak or off-peak, adjusted by trip length), flat night and festival
// surcharges, then weather and car type multipliers, rounded up.
func (s *Service) Estimate(ctx context.Context, req PricingRequest) (PricingResult, error) {
	if req.DistanceKm < 0 || req.DurationMin < 0 {
		return PricingResult{}, fmt.Errorf("negative distance or duration")
	}
	breakdown := map[string]int64{"base": baseFare}

	var distance int64
	if req.DistanceKm > baseDistanceKm {
		units := ceil((req.DistanceKm - baseDistanceKm) / distanceUnitKm)
		distance = units * perDistanceUnit
	}
	breakdown["distance"] = distance

	rate := int64(offPeakPerMinute)
	if isPeak(req.RequestTime) {
		rate = peakPerMinute
	}
	switch {
	case req.DistanceKm >= 5 && req.DistanceKm <= 6:
		rate -= 2
	case req.DistanceKm > 7:
		rate += 2
	}
	timeCharge := ceil(req.DurationMin * float64(rate))
	breakdown["time"] = timeCharge

	var surcharge int64
	if isNight(req.RequestTime) {
		surcharge += nightSurcharge
		breakdown["night"] = nightSurcharge
	}
	if festivalDays[req.RequestTime.Format("2006-01-02")] {
		surcharge += festivalSurcharge
		breakdown["festival"] = festivalSurcharge
	}

	subtotal := baseFare + distance + timeCharge + surcharge
	multiplier := 1.0
	if m, ok := weatherMultipliers[req.Weather]; ok {
		multiplier *= m
	}
	car, err := s.carMultiplier(ctx, req.CarType)
	if err != nil {
		return PricingResult{}, err
	}
	multiplier *= car

	total := ceil(float64(subtotal) * multiplier)
	breakdown["multiplied"] = total - subtotal
	return PricingResult{TotalAmount: total, Breakdown: breakdown}, nil
}

// Quote prices a booking route in minor units of the service currency.
func (s *Service) Quote(ctx context.Context, route types.Route, vehicleCategory string) (types.Money, error) {
	distanceKm, durationMin, err := s.routes.Estimate(ctx, route.Pickup, route.Dropoff)
	if err != nil {
		return types.Money{}, fmt.Errorf("route estimate: %w", err)
	}
	at := route.PickupAt
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.Estimate(ctx, PricingRequest{
		DistanceKm:  distanceKm,
		DurationMin: durationMin,
		RequestTime: at,
		Weather:     WeatherNormal,
		CarType:     vehicleCategory,
	})
	if err != nil {
		return types.Money{}, err
	}
	return types.Money{Amount: res.TotalAmount * MinorUnits, Currency: s.currency}, nil
}

func (s *Service) carMultiplier(ctx context.Context, carType string) (float64, error) {
	if s.rates != nil && carType != "" {
		m, ok, err := s.rates.Multiplier(ctx, carType)
		if err != nil {
			return 0, fmt.Errorf("rate for %s: %w", carType, err)
		}
		if ok {
			return m, nil
		}
	}
	if m, ok := carTypeMultipliers[carType]; ok {
		return m, nil
	}
	return 1, nil
}

// isPeak covers the 07:00-10:00 and 17:00-20:00 rush hours.
func isPeak(t time.Time) bool {
	h := t.Hour()
	return (h >= 7 && h < 10) || (h >= 17 && h < 20)
}

// isNight covers 23:00-06:00.
func isNight(t time.Time) bool {
	h := t.Hour()
	return h >= 23 || h < 6
}

// ceil rounds up, ignoring float noise just above a whole number.
func ceil(v float64) int64 {
	return int64(math.Ceil(v - 1e-9))
}
