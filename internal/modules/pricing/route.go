// README: Route distance and duration; Google Maps Directions with a straight-line fallback.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"googlemaps.github.io/maps"

	"chauffeur/internal/types"
)

// RouteEstimator returns driving distance in km and duration in minutes.
type RouteEstimator interface {
	Estimate(ctx context.Context, from, to types.Point) (distanceKm, durationMin float64, err error)
}

// fallbackSpeedKmh is the average city speed assumed without a routing service.
const fallbackSpeedKmh = 30.0

type HaversineEstimator struct{}

func (HaversineEstimator) Estimate(_ context.Context, from, to types.Point) (float64, float64, error) {
	km := distanceKm(from, to)
	return km, km / fallbackSpeedKmh * 60, nil
}

type MapsRouteEstimator struct {
	client   *maps.Client
	fallback RouteEstimator
	log      *slog.Logger
}

func NewMapsRouteEstimator(apiKey string, log *slog.Logger) (*MapsRouteEstimator, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &MapsRouteEstimator{client: client, fallback: HaversineEstimator{}, log: log}, nil
}

func (e *MapsRouteEstimator) Estimate(ctx context.Context, from, to types.Point) (float64, float64, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := e.client.Directions(ctx, r)
	if err == nil && (len(routes) == 0 || len(routes[0].Legs) == 0) {
		err = fmt.Errorf("no route found")
	}
	if err != nil {
		e.log.Warn("maps directions failed, using straight line", "error", err)
		return e.fallback.Estimate(ctx, from, to)
	}
	leg := routes[0].Legs[0]
	return float64(leg.Distance.Meters) / 1000, leg.Duration.Minutes(), nil
}

func latLng(p types.Point) string {
	return fmt.Sprintf("%f,%f", p.Lat, p.Lng)
}

func distanceKm(a, b types.Point) float64 {
	const R = 6371.0
	lat1 := a.Lat * math.Pi / 180.0
	lat2 := b.Lat * math.Pi / 180.0
	dlat := (b.Lat - a.Lat) * math.Pi / 180.0
	dlng := (b.Lng - a.Lng) * math.Pi / 180.0
	h := math.Sin(dlat/2)*math.Sin(dlat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlng/2)*math.Sin(dlng/2)
	return 2 * R * math.Asin(math.Sqrt(h))
}
