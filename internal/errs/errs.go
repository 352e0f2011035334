// Package errs defines the error taxonomy shared by the decision engine.
// Callers wrap one of the sentinel errors with fmt.Errorf("...: %w", ...)
// and classify with errors.Is or KindOf.
package errs

import (
	"errors"
)

// Kind is a stable, loggable name for an error class.
type Kind string

const (
	KindNone                   Kind = ""
	KindDataInsufficient       Kind = "DATA_INSUFFICIENT"
	KindAdmissionRejected      Kind = "ADMISSION_REJECTED"
	KindQuoteExpired           Kind = "QUOTE_EXPIRED"
	KindVenueUnavailable       Kind = "VENUE_UNAVAILABLE"
	KindFeeExceeded            Kind = "FEE_EXCEEDED"
	KindTimeout                Kind = "TIMEOUT"
	KindPartialFill            Kind = "PARTIAL_FILL"
	KindStorageUnavailable     Kind = "STORAGE_UNAVAILABLE"
	KindSentinelTierRegression Kind = "SENTINEL_TIER_REGRESSION"
	KindUnknown                Kind = "UNKNOWN"
)

var (
	ErrDataInsufficient       = errors.New("data insufficient")
	ErrAdmissionRejected      = errors.New("admission rejected")
	ErrQuoteExpired           = errors.New("quote expired")
	ErrVenueUnavailable       = errors.New("venue unavailable")
	ErrFeeExceeded            = errors.New("fee ceiling exceeded")
	ErrTimeout                = errors.New("timeout")
	ErrPartialFill            = errors.New("partial fill")
	ErrStorageUnavailable     = errors.New("storage unavailable")
	ErrSentinelTierRegression = errors.New("sentinel tier regression")
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrDataInsufficient, KindDataInsufficient},
	{ErrAdmissionRejected, KindAdmissionRejected},
	{ErrQuoteExpired, KindQuoteExpired},
	{ErrVenueUnavailable, KindVenueUnavailable},
	{ErrFeeExceeded, KindFeeExceeded},
	{ErrTimeout, KindTimeout},
	{ErrPartialFill, KindPartialFill},
	{ErrStorageUnavailable, KindStorageUnavailable},
	{ErrSentinelTierRegression, KindSentinelTierRegression},
}

// KindOf returns the taxonomy kind of err. Wrapped errors are unwrapped;
// the first matching sentinel wins.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// Retryable reports whether an execution error may be retried against the
// same or another venue.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindQuoteExpired, KindVenueUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}

// Silent reports whether err is a normal-path rejection that should not
// raise alerts.
func Silent(err error) bool {
	switch KindOf(err) {
	case KindDataInsufficient, KindAdmissionRejected:
		return true
	default:
		return false
	}
}
