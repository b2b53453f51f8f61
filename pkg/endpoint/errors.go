package endpoint

import "errors"

// ErrServerClosed is returned by Accept once Shutdown has been called.
var ErrServerClosed = errors.New("endpoint: server closed")
