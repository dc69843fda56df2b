package gateway

import "errors"

// Sentinel errors for the gateway domain, one per spec §7 error kind,
// plus the simple API-key auth errors carried over from the source
// repo's auth middleware (still ambient per spec §1).
var (
	ErrClientDisconnected    = errors.New("client disconnected")
	ErrClientCancelled       = errors.New("client cancelled")
	ErrBadRequest            = errors.New("bad request")
	ErrInvalidModel          = errors.New("invalid model")
	ErrModelSwitchFailed     = errors.New("model switch failed")
	ErrPageNotReady          = errors.New("page not ready")
	ErrUpstreamPlaywright    = errors.New("upstream page error")
	ErrUpstreamEmpty         = errors.New("upstream returned no content")
	ErrRateLimit             = errors.New("rate limited")
	ErrQuotaExceeded         = errors.New("quota exceeded")
	ErrResponseTimeout       = errors.New("response timeout")
	ErrProcessingTimeoutGate = errors.New("state resolution timeout")
	ErrInternal              = errors.New("internal error")

	ErrUnauthorized = errors.New("unauthorized")
	ErrKeyBlocked   = errors.New("api key blocked")
)

// httpStatusError is implemented by statusError so the HTTP layer can
// recover a status code from a wrapped sentinel via errors.As.
type httpStatusError interface {
	error
	HTTPStatus() int
	RetryAfterSeconds() int
}

type statusError struct {
	error
	status     int
	retryAfter int
}

func (e statusError) HTTPStatus() int       { return e.status }
func (e statusError) RetryAfterSeconds() int { return e.retryAfter }
func (e statusError) Unwrap() error          { return e.error }

// WithStatus wraps err so Classify recovers the given HTTP status and
// Retry-After value directly, bypassing the errorKinds table. Used when
// a call site needs to attach a status to a dynamically built error.
func WithStatus(err error, status int, retryAfterSeconds int) error {
	return statusError{error: err, status: status, retryAfter: retryAfterSeconds}
}

// errorKinds is spec §7's table, in declaration order, as (sentinel,
// status, retry-after-seconds) triples.
var errorKinds = []struct {
	err        error
	status     int
	retryAfter int
}{
	{ErrClientDisconnected, 499, 0},
	{ErrClientCancelled, 499, 0},
	{ErrBadRequest, 400, 0},
	{ErrInvalidModel, 422, 0},
	{ErrModelSwitchFailed, 422, 0},
	{ErrPageNotReady, 503, 30},
	{ErrUpstreamPlaywright, 502, 10},
	{ErrUpstreamEmpty, 502, 10},
	{ErrRateLimit, 502, 0},
	{ErrQuotaExceeded, 0, 0}, // re-queue, never surfaced with its own status
	{ErrResponseTimeout, 504, 0},
	{ErrProcessingTimeoutGate, 530, 0},
	{ErrInternal, 500, 0},
	{ErrUnauthorized, 401, 0},
	{ErrKeyBlocked, 401, 0},
}

// Classify resolves an error to its HTTP status and Retry-After seconds
// (0 = no header) per spec §7. Unrecognized errors classify as 500.
func Classify(err error) (status int, retryAfterSeconds int) {
	if err == nil {
		return 200, 0
	}
	var hse httpStatusError
	if errors.As(err, &hse) {
		return hse.HTTPStatus(), hse.RetryAfterSeconds()
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status, k.retryAfter
		}
	}
	return 500, 0
}

// NeedsSnapshot reports whether a diagnostic snapshot should be captured
// for this error per spec §7 ("snapshots are saved only for 500/502/504
// and recovery-integrity paths").
func NeedsSnapshot(err error) bool {
	status, _ := Classify(err)
	return status == 500 || status == 502 || status == 504
}
