// Package location supplies step-completion coordinates. The engine treats
// location as an abstract capability; these providers cover the device
// reporting its own fix and fixed-site kiosks.
package location

import (
	"context"
	"strings"

	"github.com/pitabwire/qualitrace/model"
)

// Provider returns the tester's current position.
type Provider interface {
	CurrentLocation(ctx context.Context) (model.Coordinate, error)
}

// Func adapts a plain function to Provider.
type Func func(ctx context.Context) (model.Coordinate, error)

// CurrentLocation calls f.
func (f Func) CurrentLocation(ctx context.Context) (model.Coordinate, error) {
	if err := ctx.Err(); err != nil {
		return model.Coordinate{}, model.NewLocationUnavailableError(err.Error())
	}
	return f(ctx)
}

// Reported is a position fix obtained by the client device and sent with the
// request. Error carries the device's failure text when no fix was obtained.
type Reported struct {
	Lat   *float64 `json:"lat,omitempty"`
	Lng   *float64 `json:"lng,omitempty"`
	Error string   `json:"error,omitempty"`
}

// CurrentLocation returns the reported fix, or LOCATION_UNAVAILABLE when the
// device reported an error or an incomplete or out-of-range fix.
func (r Reported) CurrentLocation(ctx context.Context) (model.Coordinate, error) {
	if err := ctx.Err(); err != nil {
		return model.Coordinate{}, model.NewLocationUnavailableError(err.Error())
	}
	if reason := strings.TrimSpace(r.Error); reason != "" {
		return model.Coordinate{}, model.NewLocationUnavailableError(reason)
	}
	if r.Lat == nil || r.Lng == nil {
		return model.Coordinate{}, model.NewLocationUnavailableError("no position reported")
	}
	c := model.Coordinate{Lat: *r.Lat, Lng: *r.Lng}
	if err := c.Validate(); err != nil {
		return model.Coordinate{}, model.NewLocationUnavailableError(err.Error())
	}
	return c, nil
}

// Static always returns the same coordinate, for kiosks at a fixed site.
type Static struct {
	Coord model.Coordinate
}

// NewStatic creates a static provider.
func NewStatic(lat, lng float64) Static {
	return Static{Coord: model.Coordinate{Lat: lat, Lng: lng}}
}

// CurrentLocation returns the configured coordinate.
func (s Static) CurrentLocation(ctx context.Context) (model.Coordinate, error) {
	if err := ctx.Err(); err != nil {
		return model.Coordinate{}, model.NewLocationUnavailableError(err.Error())
	}
	if err := s.Coord.Validate(); err != nil {
		return model.Coordinate{}, model.NewLocationUnavailableError(err.Error())
	}
	return s.Coord, nil
}
