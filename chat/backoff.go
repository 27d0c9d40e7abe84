package chat

import "time"

const (
	// DefaultPollInterval is the baseline tick for pull connectors.
	DefaultPollInterval = 2 * time.Second
	// DefaultMaxPollInterval caps quota backoff growth.
	DefaultMaxPollInterval = 60 * time.Second
)

// NextPollInterval returns min(max, base*2^errCount). errCount is the number
// of consecutive quota errors seen so far; it resets to zero on the next
// successful poll, so one good fetch returns the schedule to base.
func NextPollInterval(base, max time.Duration, errCount int) time.Duration {
	if base <= 0 {
		base = DefaultPollInterval
	}
	if max <= 0 {
		max = DefaultMaxPollInterval
	}
	if errCount <= 0 {
		return base
	}
	d := base
	for i := 0; i < errCount; i++ {
		d *= 2
		if d >= max || d <= 0 { // overflow guard
			return max
		}
	}
	return d
}
