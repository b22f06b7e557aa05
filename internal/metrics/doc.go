// Package metrics exposes Prometheus collectors for the execution engine.
//
// Each engine session owns its own registry so that several sessions in one
// process never collide. The daemon serves the registry of its session over
// HTTP when a metrics address is configured.
package metrics
