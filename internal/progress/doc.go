// Package progress tracks harvest runs for external pollers. Each run owns a
// Tracker holding its latest snapshot and pending log lines; a Registry maps
// run ids to trackers. Lifecycle events are additionally fanned out through a
// non-blocking Hub to pluggable sinks such as Prometheus or structured logs.
package progress
