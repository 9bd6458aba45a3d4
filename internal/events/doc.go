// Package events runs ingestion through a fixed worker pool behind a bounded
// queue.
//
// Process never blocks. When the queue is saturated it returns ErrQueueFull and
// the caller decides whether to retry, drop, or alert. A per-second throughput
// gauge is sampled by a background ticker.
//
// By default all workers share one queue and events are handled in no
// particular order. With Config.Partition each worker owns a queue and events
// are routed by an xxhash of Event.PartitionKey, which keeps events from one
// source in arrival order.
package events
