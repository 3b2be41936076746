package location

import (
	"context"
	"errors"
	"testing"

	"github.com/pitabwire/qualitrace/model"
)

func ptr(f float64) *float64 { return &f }

func TestReported(t *testing.T) {
	tests := []struct {
		name     string
		reported Reported
		want     model.Coordinate
		wantErr  bool
	}{
		{"valid fix", Reported{Lat: ptr(-1.2864), Lng: ptr(36.8172)}, model.Coordinate{Lat: -1.2864, Lng: 36.8172}, false},
		{"equator and meridian", Reported{Lat: ptr(0), Lng: ptr(0)}, model.Coordinate{}, false},
		{"device error", Reported{Error: "User denied Geolocation"}, model.Coordinate{}, true},
		{"error wins over fix", Reported{Lat: ptr(1), Lng: ptr(1), Error: "timeout"}, model.Coordinate{}, true},
		{"missing longitude", Reported{Lat: ptr(1)}, model.Coordinate{}, true},
		{"out of range", Reported{Lat: ptr(120), Lng: ptr(0)}, model.Coordinate{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.reported.CurrentLocation(context.Background())
			if tt.wantErr {
				if !model.IsCode(err, model.ErrLocationUnavailable) {
					t.Fatalf("err = %v, want LOCATION_UNAVAILABLE", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("err = %v", err)
			}
			if got != tt.want {
				t.Errorf("coord = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestReported_deviceErrorMessage(t *testing.T) {
	_, err := Reported{Error: "permission denied"}.CurrentLocation(context.Background())
	if err == nil || err.Error() != "LOCATION_UNAVAILABLE: could not capture location: permission denied" {
		t.Errorf("err = %v", err)
	}
}

func TestStatic(t *testing.T) {
	s := NewStatic(-0.4167, 36.95)
	got, err := s.CurrentLocation(context.Background())
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if got.Lat != -0.4167 || got.Lng != 36.95 {
		t.Errorf("coord = %+v", got)
	}

	if _, err := NewStatic(0, 200).CurrentLocation(context.Background()); !model.IsCode(err, model.ErrLocationUnavailable) {
		t.Errorf("invalid static err = %v, want LOCATION_UNAVAILABLE", err)
	}
}

func TestProviders_respectCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	providers := map[string]Provider{
		"reported": Reported{Lat: ptr(1), Lng: ptr(1)},
		"static":   NewStatic(1, 1),
		"func": Func(func(context.Context) (model.Coordinate, error) {
			return model.Coordinate{Lat: 1, Lng: 1}, nil
		}),
	}
	for name, p := range providers {
		t.Run(name, func(t *testing.T) {
			if _, err := p.CurrentLocation(ctx); !model.IsCode(err, model.ErrLocationUnavailable) {
				t.Errorf("err = %v, want LOCATION_UNAVAILABLE", err)
			}
		})
	}
}

func TestFunc(t *testing.T) {
	want := errors.New("gps cold start")
	f := Func(func(context.Context) (model.Coordinate, error) {
		return model.Coordinate{}, want
	})
	if _, err := f.CurrentLocation(context.Background()); !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}
