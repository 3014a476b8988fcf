// Package clock abstracts wall-clock time so expiry and
// subscription validity can be tested deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock abstracts time for testability.
type Clock interface { // A
	Now() time.Time
}

// Real returns the system clock.
func Real() Clock { // A
	return realClock{}
}

type realClock struct{} // A

// Now returns the current time.
func (realClock) Now() time.Time { // A
	return time.Now()
}

// Fake is a manually advanced clock.
type Fake struct { // A
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake clock set to now.
func NewFake(now time.Time) *Fake { // A
	return &Fake{now: now}
}

// Now returns the fake time.
func (f *Fake) Now() time.Time { // A
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake time forward by d.
func (f *Fake) Advance(d time.Duration) { // A
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set pins the fake time to t.
func (f *Fake) Set(t time.Time) { // A
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}
