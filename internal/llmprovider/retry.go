package llmprovider

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxElapsed bounds how long a single Chat call's retry loop may run
// before giving up; the caller's context timeout, if any, covers the whole
// call, all attempts included.
const maxElapsed = 20 * time.Second

// newRetryBackoff is an exponential backoff capped by elapsed time rather
// than attempt count, wrapped in backoff.WithContext by the caller so
// cancellation still short-circuits it.
func newRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = maxElapsed
	return bo
}
