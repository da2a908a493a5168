package lim

import (
	"sync"
	"time"

	"legalvault/metrics"
	"legalvault/svc/util"
)

const (
	errorWindowBuckets = 5
	minRequestsToJudge = 10
	errorRateThreshold = 5.0
)

// ErrorRateDetector keeps a rolling window of request and server-error
// counts and calls onSpike when the error share crosses the threshold.
type ErrorRateDetector struct {
	mu           sync.Mutex
	window       [errorWindowBuckets]bucket
	currentIndex int
	interval     time.Duration
	onSpike      func()
	done         chan struct{}
	stopOnce     sync.Once
}
type bucket struct {
	requests int64
	errors   int64
}

func NewErrorRateDetector(interval time.Duration, onSpike func()) *ErrorRateDetector {
	return &ErrorRateDetector{
		interval: interval,
		onSpike:  onSpike,
		done:     make(chan struct{}),
	}
}
func (d *ErrorRateDetector) Start() {
	ticker := time.NewTicker(d.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.Advance()
			case <-d.done:
				return
			}
		}
	}()
}
func (d *ErrorRateDetector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}
func (d *ErrorRateDetector) RecordRequest() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window[d.currentIndex].requests++
}
func (d *ErrorRateDetector) RecordError() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window[d.currentIndex].errors++
}

// Advance closes the current bucket and returns the error rate, in percent,
// over the whole window.
func (d *ErrorRateDetector) Advance() float64 {
	d.mu.Lock()
	var totalReqs, totalErrs int64
	for _, b := range d.window {
		totalReqs += b.requests
		totalErrs += b.errors
	}
	var errorRate float64
	if totalReqs > 0 {
		errorRate = float64(totalErrs) / float64(totalReqs) * 100.0
	}
	d.currentIndex = (d.currentIndex + 1) % errorWindowBuckets
	d.window[d.currentIndex] = bucket{}
	d.mu.Unlock()

	metrics.RecentErrorRatePercent.Set(errorRate)
	if totalReqs > minRequestsToJudge && errorRate > errorRateThreshold {
		util.Warn().
			Float64("error_rate", errorRate).
			Int64("total_reqs", totalReqs).
			Int64("total_errs", totalErrs).
			Msg("High server error rate, tightening rate limits")
		if d.onSpike != nil {
			d.onSpike()
		}
	}
	return errorRate
}
