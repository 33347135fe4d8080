// Package stageclock advances a single stage value through the fixed
// sequence initial -> critical -> important -> secondary -> background ->
// complete at configured offsets from Start.
//
// Every transition is its own timer, so a delayed timer never holds up the
// ones after it. Applying a transition is monotonic and gap-free: a timer for
// stage S walks the clock through every stage between the current one and S,
// publishing each, and a timer that arrives after its stage was already
// passed does nothing. Readers therefore observe a non-decreasing sequence
// with no skipped stages.
package stageclock
