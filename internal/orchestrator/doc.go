// Package orchestrator is the single entry point a view uses to gate its
// data fetches. It composes a stage clock and a call registry, fans their
// events out through one hub, and tears all of them down through one Close.
package orchestrator
