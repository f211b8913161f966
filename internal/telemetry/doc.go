// Package telemetry wires OpenTelemetry tracing and the Prometheus scrape endpoint.
package telemetry
