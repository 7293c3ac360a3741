package dispatch

import (
	"context"
	"sync"
	"time"
)

// lane is the queue and pacing state of one instance. Only the lane goroutine
// pops jobs; Enqueue and StopLane may touch the queue concurrently.
type lane struct {
	instanceID string
	wake       chan struct{}

	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []OutboundJob
	state   RateLimitState
	stopped bool
}

func newLane(instanceID string, state RateLimitState) *lane {
	return &lane{
		instanceID: instanceID,
		wake:       make(chan struct{}, 1),
		state:      state,
	}
}

// push appends job and returns the resulting depth.
func (l *lane) push(job OutboundJob) int {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return 0
	}
	l.queue = append(l.queue, job)
	n := len(l.queue)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return n
}

func (l *lane) pushFront(job OutboundJob) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.queue = append([]OutboundJob{job}, l.queue...)
}

func (l *lane) peek() (OutboundJob, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return OutboundJob{}, false
	}
	return l.queue[0], true
}

func (l *lane) pop() (OutboundJob, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return OutboundJob{}, false
	}
	job := l.queue[0]
	l.queue[0] = OutboundJob{}
	l.queue = l.queue[1:]
	return job, true
}

func (l *lane) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *lane) rateState() RateLimitState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// markSent records the issue time of a call before it is made.
func (l *lane) markSent(at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.LastSentAt = at
}

// recordSuccess clears the throttle count and halves the interval toward floor.
func (l *lane) recordSuccess(floor time.Duration) RateLimitState {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.ConsecutiveThrottleCount = 0
	l.state.MinInterval = max(l.state.MinInterval/2, floor)
	return l.state
}

// recordThrottle doubles the interval up to ceiling.
func (l *lane) recordThrottle(ceiling time.Duration) RateLimitState {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.ConsecutiveThrottleCount++
	l.state.MinInterval = min(2*l.state.MinInterval, ceiling)
	return l.state
}

// stop cancels the lane goroutine and returns the jobs that were still queued.
func (l *lane) stop() []OutboundJob {
	l.mu.Lock()
	dropped := l.queue
	l.queue = nil
	l.stopped = true
	l.mu.Unlock()

	if l.cancel != nil {
		l.cancel()
	}
	return dropped
}
