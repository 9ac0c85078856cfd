package tracker

import "time"

// NowMs implements Clock using the real wall clock.
func (systemClock) NowMs() int64 {
	return time.Now().UnixMilli()
}
