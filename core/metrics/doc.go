// Package metrics defines the sinks that record dispatch outcomes for
// observability. Sinks such as the Prometheus and InfluxDB implementations in
// infra/metrics are registered by name and combined with NewMultiSink when
// more than one is configured.
package metrics
