// Copyright 2026 The Quorum Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects Real(); tests inject NewFake() and advance time
// deterministically.
//
// Production functions that need time.Now or time.After take a Clock
// parameter (or live on a struct with a Clock field) instead of
// calling the time package directly. The session manager's timeout
// watcher and stop grace period both run on an injected Clock so the
// tests never sleep.
package clock

import "time"

// Clock provides the time operations the session core needs.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. Equivalent to time.After.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
