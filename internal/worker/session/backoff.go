package session

import "time"

// Backoff produces reconnect delays: starting at Initial, doubling on each
// consecutive failure, capped at Max. Reset is called when a session
// reaches Active, so a healthy connect always restarts the ladder from the
// bottom.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	current time.Duration
}

// Next returns the delay to wait before the next attempt and advances the
// ladder.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
	}
	d := b.current
	if d > b.Max {
		d = b.Max
	}

	doubled := b.current * 2
	if doubled > b.Max {
		doubled = b.Max
	}
	b.current = doubled
	return d
}

// Reset drops the ladder back to the initial delay.
func (b *Backoff) Reset() {
	b.current = 0
}
