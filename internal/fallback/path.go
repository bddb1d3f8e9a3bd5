// Package fallback decides between the real-time channel and the pull-based
// path, and delivers batched submissions at most once per submission id.
package fallback

import (
	"errors"

	"quizsync/internal/domain"
)

// Path is chosen once when a participant joins and never re-inspected.
type Path int

const (
	// PathRealTime uses the WebSocket channel for the whole session.
	PathRealTime Path = iota
	// PathFallback pulls questions over HTTP and submits one batch at the end.
	PathFallback
)

func (p Path) String() string {
	if p == PathFallback {
		return "Fallback"
	}
	return "RealTime"
}

// Choose maps the outcome of the initial connect to a path. Only a transport
// that could not be established degrades to the fallback, and only when the
// caller has a backend to fall back to.
func Choose(connectErr error, allowFallback bool) (Path, error) {
	if connectErr == nil {
		return PathRealTime, nil
	}
	if allowFallback && errors.Is(connectErr, domain.ErrConnection) {
		return PathFallback, nil
	}
	return PathRealTime, connectErr
}
