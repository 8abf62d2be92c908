package sensor

import "time"

// Timer is a pending AfterFunc call
type Timer interface {
	Stop() bool
}

// Clock abstracts time so tests can drive the Monitor's timeouts
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock returns the wall clock
func SystemClock() Clock {
	return realClock{}
}
