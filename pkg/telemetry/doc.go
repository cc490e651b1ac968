// Package telemetry wires OpenTelemetry exporters and meters for the
// orchestration core.
//
// It centralises trace and meter provider setup, applies service resource
// attributes, and offers the instruments the orchestrator records execution
// outcomes on so operators can correlate decisions with component behaviour.
package telemetry
