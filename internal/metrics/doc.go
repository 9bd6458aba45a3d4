/*
Package metrics holds the Prometheus handles shared by perfcore components.

A Registry is created once by the process and its typed handles (Cache, Batch,
Events, Memory, Pool) are passed into component constructors. Each Registry
wraps its own prometheus.Registry, which keeps tests isolated from each other
and from the global default registry.

	reg := metrics.New("perfcore")
	proc := events.NewProcessor(events.Config{Metrics: reg.Events}, handler)

	srv := metrics.NewServer(":9090", reg, log)
	srv.Start(ctx)

The server exposes /metrics and a /healthz liveness probe.
*/
package metrics
