package live

import "time"

// Timer is a pending scheduled call
type Timer interface {
	// Stop cancels the call, reporting whether it was still pending
	Stop() bool
}

// Scheduler runs f once after d
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealScheduler is backed by the runtime timer
var RealScheduler Scheduler = realScheduler{}
