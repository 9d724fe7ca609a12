// Package backoff computes consumer redelivery delays.
package backoff

import "time"

const (
	Initial = 15 * time.Second
	Max     = 15 * time.Minute
)

// Delay returns min(Max, Initial * 2^(attempt-1)). Attempts below 1 are
// treated as 1.
func Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= Max {
			return Max
		}
	}
	return d
}

// Seconds is Delay expressed in whole seconds, the unit queue transports
// accept for retry.
func Seconds(attempt int) int {
	return int(Delay(attempt) / time.Second)
}
