package source

import "errors"

// ErrSourceStopped is returned by Start after Stop has ended delivery
// permanently.
var ErrSourceStopped = errors.New("source: stopped")
