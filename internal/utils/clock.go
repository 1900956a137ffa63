package utils

import "time"

// Clock abstracts wall-clock time so timing logic can be tested
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the real UTC clock
func SystemClock() Clock {
	return systemClock{}
}
