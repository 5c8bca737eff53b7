package proctor

import "time"

// Clock supplies the timestamps the gates compare.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads time.Now, whose monotonic component keeps Sub immune to wall clock jumps.
var SystemClock Clock = ClockFunc(time.Now)
