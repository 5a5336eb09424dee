package dhis

import (
	"errors"
	"fmt"
)

// ErrNoCredentials is returned when an operation needs an authenticated
// instance handle and none is available. There is no mock fallback: callers
// must opt in to sample data explicitly.
var ErrNoCredentials = errors.New("dhis: no credentials for instance")

// UpstreamError reports a failed remote call. Status and Body are kept for
// diagnostics; Body is already bounded.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("dhis: upstream http %d: %s", e.Status, e.Body)
}

// IsUpstream reports whether err is an UpstreamError.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
