// Package notify fans scheduler events out to subscribers over bounded
// channels. Publishing never blocks: when a subscriber falls behind, the
// oldest non-terminal event in its buffer is dropped. Late subscribers
// receive a short replay of the most recent events so a view mounted after
// registration can still render the current state.
package notify
