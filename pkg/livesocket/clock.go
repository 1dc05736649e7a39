package livesocket

import "time"

// Timer is a pending reconnect that can be cancelled.
type Timer interface {
	Stop() bool
}

// Clock schedules the delayed reconnect. The default clock uses time.AfterFunc.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
