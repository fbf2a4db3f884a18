package palantir

import "errors"

// Sentinel errors for the proxy domain. Handlers wrap these with detail via
// fmt.Errorf("%w: ...") and the server maps them to HTTP statuses.
var (
	ErrValidation     = errors.New("invalid request")
	ErrAuthentication = errors.New("authentication failed")
	ErrAuthorization  = errors.New("permission denied")
	ErrPoolExhausted  = errors.New("account pool exhausted")
	ErrUpstream       = errors.New("upstream error")
	ErrCredential     = errors.New("credential error")
	ErrPersistence    = errors.New("persistence error")
	ErrCancelled      = errors.New("client cancelled request")
	ErrNotFound       = errors.New("not found")
)
