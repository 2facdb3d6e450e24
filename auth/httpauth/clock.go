package httpauth

import "time"

// Clock is the time source for lockout cooldowns and pending handshake
// expiry.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
