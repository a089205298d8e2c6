package domain

import (
	"errors"
	"math"
)

var ErrCoordinateOutOfRange = errors.New("coordinate out of range")

// Coordinate is a WGS84 point in degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (c Coordinate) Validate() error {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) {
		return ErrCoordinateOutOfRange
	}
	if c.Latitude < -90 || c.Latitude > 90 {
		return ErrCoordinateOutOfRange
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		return ErrCoordinateOutOfRange
	}
	return nil
}
