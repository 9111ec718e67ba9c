// Package waittime holds the queue wait-time model: a linear forward estimate
// and the retrospective average used for reporting. The estimate is a fixed
// per-patient allowance times the queue length; it ignores service-time
// variance and multiple service stations.
package waittime

import "time"

const DefaultUnitServiceTime = 15 * time.Minute

// EstimateCall projects when a ticket issued now will be called, given the
// number of tickets already waiting ahead of it.
func EstimateCall(now time.Time, waitingAhead int, unit time.Duration) time.Time {
	if unit <= 0 {
		unit = DefaultUnitServiceTime
	}
	if waitingAhead < 0 {
		waitingAhead = 0
	}
	return now.Add(time.Duration(waitingAhead) * unit)
}

type WaitSample struct {
	IssuedAt time.Time
	CalledAt time.Time
}

// AverageWait returns the mean issue-to-call wait in minutes, 0 for an empty
// set.
func AverageWait(samples []WaitSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, sample := range samples {
		total += sample.CalledAt.Sub(sample.IssuedAt)
	}
	return total.Minutes() / float64(len(samples))
}
