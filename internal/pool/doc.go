// Package pool owns the process-wide database/sql handle.
//
// The pool is opened once at startup with either the pgx or the sqlite
// driver, verified with a bounded ping, and shared by every component that
// talks to the database. Queries issued through the wrappers are timed and
// counted under a query_type label so slow statement families show up in
// the metrics without per-statement cardinality.
package pool
