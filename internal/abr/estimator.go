// Package abr holds the throughput estimator and the quality ladder selection
// used by the stream controller.
package abr

import "time"

// Smoothing is the weight given to each new throughput sample.
const Smoothing = 0.15

// Estimator keeps an exponential moving average of fetch throughput. The unit
// of the average is the unit passed to Sample per second; the controller
// feeds bits so the average compares directly against track bandwidth.
// The zero value is not usable; call NewEstimator.
type Estimator struct {
	now       func() time.Time
	startedAt time.Time
	running   bool
	average   float64
	seeded    bool
}

// NewEstimator returns an Estimator reading time from now. A nil now uses
// time.Now.
func NewEstimator(now func() time.Time) *Estimator {
	if now == nil {
		now = time.Now
	}
	return &Estimator{now: now}
}

// StartTimer records the start of a fetch.
func (e *Estimator) StartTimer() {
	e.startedAt = e.now()
	e.running = true
}

// Sample folds size, the amount transferred since StartTimer, into the
// average and returns it. It returns false when no timer is running or when
// the elapsed time is not positive; the average is left untouched in both
// cases.
func (e *Estimator) Sample(size float64) (float64, bool) {
	if !e.running {
		return 0, false
	}
	e.running = false

	elapsed := e.now().Sub(e.startedAt).Seconds()
	if elapsed <= 0 {
		return 0, false
	}

	instant := size / elapsed
	if !e.seeded {
		e.average = instant
		e.seeded = true
	} else {
		e.average += (instant - e.average) * Smoothing
	}
	return e.average, true
}

// Average returns the current moving average and whether one exists yet.
func (e *Estimator) Average() (float64, bool) {
	return e.average, e.seeded
}
