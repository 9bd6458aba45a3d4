// Package ingest holds the batch sinks that receive flushed security events.
//
// A Sink is the write side of the batch processor: its WriteBatch method has
// the batch.Func signature and is handed every flushed batch. SQLStore writes
// events to the primary database through the connection pool, S3Archive
// writes each batch as one NDJSON object, and Fanout feeds several sinks at
// once.
package ingest
