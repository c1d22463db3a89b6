// Package location acquires position fixes for users. The server never reads
// hardware: fixes arrive from the client device, and the Reported provider
// applies the same acquisition rules the device was asked to follow.
package location

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"disasterRelief/internal/geo"
	"disasterRelief/models"
)

var (
	ErrDenied      = errors.New("location permission denied")
	ErrUnavailable = errors.New("location unavailable")
	ErrTimeout     = errors.New("location request timed out")
)

// Options mirror the acquisition options sent to the device.
type Options struct {
	Timeout      time.Duration
	HighAccuracy bool
	// MaxAge is the oldest cached fix accepted; 0 means a fresh fix is required.
	MaxAge time.Duration
}

// DefaultOptions is a high accuracy fix within 10 seconds and no cached fixes.
func DefaultOptions() Options {
	return Options{Timeout: 10 * time.Second, HighAccuracy: true}
}

// Provider yields the caller's current position.
type Provider interface {
	CurrentFix(ctx context.Context, opts Options) (models.Location, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, opts Options) (models.Location, error)

func (f ProviderFunc) CurrentFix(ctx context.Context, opts Options) (models.Location, error) {
	return f(ctx, opts)
}

// Reported is the fix (or failure) a client device attached to its request.
type Reported struct {
	Fix *models.Location
	// Failure is the device's reported error: "denied", "unavailable" or "timeout".
	Failure string
	// Now defaults to time.Now.
	Now func() time.Time
}

// CurrentFix validates the reported fix against opts. A fix without a capture
// time is stamped with the current time.
func (r Reported) CurrentFix(ctx context.Context, opts Options) (models.Location, error) {
	if err := ctx.Err(); err != nil {
		return models.Location{}, ErrTimeout
	}
	switch strings.ToLower(strings.TrimSpace(r.Failure)) {
	case "":
	case "denied", "permission_denied":
		return models.Location{}, ErrDenied
	case "timeout":
		return models.Location{}, ErrTimeout
	default:
		return models.Location{}, ErrUnavailable
	}
	if r.Fix == nil {
		return models.Location{}, ErrUnavailable
	}
	fix := *r.Fix
	if err := (geo.Point{Lat: fix.Lat, Lng: fix.Lng}).Validate(); err != nil {
		return models.Location{}, ErrUnavailable
	}
	if math.IsNaN(fix.Accuracy) || math.IsInf(fix.Accuracy, 0) || fix.Accuracy < 0 {
		return models.Location{}, ErrUnavailable
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	if fix.Timestamp.IsZero() {
		fix.Timestamp = now()
	}
	window := opts.MaxAge
	if window < opts.Timeout {
		window = opts.Timeout
	}
	if window > 0 && now().Sub(fix.Timestamp) > window {
		return models.Location{}, ErrTimeout
	}
	fix.Timestamp = fix.Timestamp.UTC()
	return fix, nil
}

// Fixed always returns loc. Useful for tests and seeding.
func Fixed(loc models.Location) Provider {
	return ProviderFunc(func(context.Context, Options) (models.Location, error) {
		return loc, nil
	})
}

// Failing always returns err.
func Failing(err error) Provider {
	return ProviderFunc(func(context.Context, Options) (models.Location, error) {
		return models.Location{}, err
	})
}
