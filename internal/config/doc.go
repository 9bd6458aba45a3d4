/*
Package config loads the perfcore service configuration.

Sources are applied in increasing order of precedence:

	defaults (NewDefault)  <  YAML file (LoadFromFile)  <  environment (PERFCORE_*)

Zero-valued settings left after a load are filled by ApplyDefaults, so a file
only needs to name the values it changes:

	database:
	  driver: pgx
	  dsn: postgres://perfcore@db/perfcore
	cache:
	  redis:
	    addr: redis:6379
	events:
	  workers: 16
	  buffer_size: 4096

An empty cache.redis.addr runs the cache with the in-process tier only, and an
empty archive.bucket disables the S3 archive sink.
*/
package config
