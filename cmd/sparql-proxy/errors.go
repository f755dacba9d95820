package main

import "errors"

// Error definitions for the proxy configuration
var (
	errPortRequired     = errors.New("a listen port must be configured (-port)")
	errBackendRequired  = errors.New("a primary backend must be configured (-backend-1)")
	errTimeoutsPositive = errors.New("all timeouts must be positive")
	errEmptySuffixes    = errors.New("with an empty -subject-var-suffix at least one -add-triple suffix must be non-empty")
)
