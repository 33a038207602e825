package handlers

import (
	"math"
	"strings"
	"sync"
	"time"
)

// resendLimiter caps manual notification resends per refund reference so a
// caseworker cannot flood an applicant with copies of the same letter or email.
type resendLimiter interface {
	// Reserve takes one resend from the reference's current window. When the
	// window is spent it returns false and the time left until it resets.
	Reserve(reference string) (bool, time.Duration)
}

// resendWindows counts per instance; a resend burst spread over several
// instances can exceed the limit by the instance count.
type resendWindows struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu   sync.Mutex
	open map[string]resendWindow
}

type resendWindow struct {
	used    int
	resetAt time.Time
}

// newResendLimiter returns nil, which allows everything, when limit or window
// is not positive.
func newResendLimiter(limit int, window time.Duration, clock func() time.Time) resendLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &resendWindows{
		limit:  limit,
		window: window,
		clock:  clock,
		open:   make(map[string]resendWindow),
	}
}

func (l *resendWindows) Reserve(reference string) (bool, time.Duration) {
	key := strings.ToUpper(strings.TrimSpace(reference))
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.open[key]
	if !ok || !now.Before(current.resetAt) {
		l.pruneLocked(now)
		l.open[key] = resendWindow{used: 1, resetAt: now.Add(l.window)}
		return true, 0
	}
	if current.used >= l.limit {
		return false, current.resetAt.Sub(now)
	}
	current.used++
	l.open[key] = current
	return true, 0
}

func (l *resendWindows) pruneLocked(now time.Time) {
	for key, w := range l.open {
		if !now.Before(w.resetAt) {
			delete(l.open, key)
		}
	}
}

// retryAfterSeconds rounds up so a client honouring Retry-After never lands
// before the window resets.
func retryAfterSeconds(wait time.Duration) int {
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
