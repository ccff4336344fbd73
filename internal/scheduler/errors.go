package scheduler

import "errors"

var (
	// ErrBackpressure is returned when the concurrency cap is reached.
	// Scheduled fires swallow it with a log line; manual triggers surface it.
	ErrBackpressure = errors.New("concurrency cap reached")
)
