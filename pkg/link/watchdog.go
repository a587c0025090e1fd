package link

import "time"

// Idle returns a channel that fires once, carrying the time of the
// check, if no bytes (interactive or transfer) have crossed the link
// for window. It polls LastActivity rather than hooking the reader, so
// it never contends with ReadExact or the transfer-mode handoff,
// mirroring the heartbeat consumer's periodic timeout check against a
// last-seen timestamp rather than an event callback.
//
// The returned channel has a buffer of one and is fed by a single goroutine that
// exits after firing once or when the Link closes. Callers that want
// repeated notifications call Idle again.
func (l *Link) Idle(window time.Duration) <-chan time.Time {
	out := make(chan time.Time, 1)
	go func() {
		ticker := time.NewTicker(window / 4)
		defer ticker.Stop()
		for {
			select {
			case <-l.done:
				return
			case now := <-ticker.C:
				if now.Sub(l.LastActivity()) >= window {
					out <- now
					return
				}
			}
		}
	}()
	return out
}
