package models

import "context"

type StationFinder interface {
	FindNearestStation(ctx context.Context, lat, lon float64) (*Station, error)
}
