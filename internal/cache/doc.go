/*
Package cache implements the two-tier query result cache.

	┌──────────────┐  miss  ┌──────────────┐  miss
	│ MemoryCache  │ ─────► │ RemoteStore  │ ─────► caller loads from origin
	│ (L1, local)  │ ◄───── │ (L2, Redis)  │
	└──────────────┘ promote└──────────────┘

MemoryCache is per process. Entries carry their own TTL; reads take the shared
lock only and treat expired entries as absent, and a background loop sweeps them
every CleanupInterval.

RedisStore is shared by every instance. Values are stored with a one-byte
encoding header and optionally compressed with zstd. Calls go through a circuit
breaker so a failing Redis is rejected quickly instead of timing out every
request.

Manager composes the two. A remote hit is copied into memory with PromotionTTL,
which bounds how long this instance can serve a value that a peer has since
overwritten. There is no cross-instance invalidation.

Keys follow the "<entity>:<id>" convention, for example "alert:8f14e45f".
*/
package cache
