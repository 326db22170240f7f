/*
Package metrics provides Prometheus metrics and health endpoints for the
configuration database.

All metrics are registered with the default registry at package init and
served by Handler. Gauges describing table sizes, the database state and the
generation counter are refreshed by a Collector that samples a Source on a
fixed interval; counters and histograms are updated inline by the commit
engine and the peer replicator.

# Health

The health checker tracks named components. The database component is
healthy only while the database is Ready or UpdatingPeer; readiness waits for
the database and storage components by default:

	metrics.RegisterComponent(metrics.ComponentStorage, true, "open")
	metrics.UpdateDatabaseHealth(types.StateReady, types.ReasonNone)

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

# Timing

	timer := metrics.NewTimer()
	err := persist()
	timer.ObserveDuration(metrics.CommitDuration)
*/
package metrics
