// README: Fare request and result types plus the rate constants behind them.
package pricing

import "time"

const (
	baseFare          = 85
	baseDistanceKm    = 1.25
	distanceUnitKm    = 0.2
	perDistanceUnit   = 5
	offPeakPerMinute  = 3
	peakPerMinute     = 5
	nightSurcharge    = 25
	festivalSurcharge = 40

	// MinorUnits converts whole fare units to the amounts bookings carry.
	MinorUnits = 100
)

const (
	WeatherNormal    = "normal"
	WeatherRain      = "rain"
	WeatherHeavyRain = "heavy_rain"

	CarTypeNormal   = "normal"
	CarTypeLuckyCat = "lucky_cat"
)

var weatherMultipliers = map[string]float64{
	WeatherRain:      1.15,
	WeatherHeavyRain: 1.3,
}

var carTypeMultipliers = map[string]float64{
	CarTypeLuckyCat: 1.5,
}

// festivalDays carry a flat surcharge for the whole day.
var festivalDays = map[string]bool{
	"2026-02-17": true,
}

type PricingRequest struct {
	DistanceKm  float64
	DurationMin float64
	RequestTime time.Time
	Weather     string // "rain", "heavy_rain", "normal"
	CarType     string // "lucky_cat", "normal", or any vehicle category
}

type PricingResult struct {
	TotalAmount int64
	Breakdown   map[string]int64
}
