package runtime

import "time"

// SystemClock is the production gateway.Clock, backed directly by the
// wall clock. Tests use testutil.FakeClock instead.
type SystemClock struct{}

func (SystemClock) Now() time.Time     { return time.Now() }
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }
