// Package registry decides when each registered call becomes enabled and
// reports aggregate and per-tier progress.
//
// A call's release delay is its tier's base delay plus a fixed penalty when
// any of its dependencies was not yet enabled at the moment it registered.
// Dependencies are a soft hint: in the default snapshot mode the check runs
// exactly once, at registration, so a call whose dependency is itself delayed
// can still be enabled before that dependency. Gated mode re-checks after
// each penalty window, up to a bounded number of waits, before enabling
// regardless.
package registry
