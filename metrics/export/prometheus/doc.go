// Package prometheus renders authcore metrics in Prometheus text format.
//
// [NewExporter] accepts an [authcore.Engine] and exposes an [http.Handler]
// that renders all counters and the validate-latency histogram in text
// exposition format. Counter names are prefixed authcore_*_total; the single
// histogram is authcore_validate_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry. Callers mount the Handler.
//   - Mutate engine state.
package prometheus
