// Package telemetry provides observability instrumentation for drwave.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry) and Prometheus metrics behind a single Telemetry bundle.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.Metrics.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Logging
//
// Components take a zerolog.Logger and derive a child tagged with their
// component name:
//
//	logger := tel.Logger.Zerolog().With().Str("component", "engine").Logger()
//
// Execution-scoped lines carry execution_id, wave-scoped lines add wave, and
// audit lines carry caller_principal and operation.
//
// # Tracing
//
// Engine operations open spans named after the operation (execution.create,
// execution.poll, wave.poll, ...) tagged with execution.id and wave.number.
// Upstream calls open spans named "<api>.<operation>". Exporters: otlp (gRPC),
// stdout, none.
//
// # Metrics
//
// All metrics live under the configured namespace (default "drwave"):
//
//   - executions_created_total{kind}, executions_terminal_total{status}
//   - execution_duration_seconds{status}
//   - waves_started_total{kind}, wave_polls_total{outcome}, wave_poll_duration_seconds
//   - upstream_calls_total{api,operation}, upstream_errors_total{api,code}
//   - claim_conflicts_total, claims_swept_total
//   - region_cache_requests_total{result}, capacity_utilization_percent{account_id}
//   - notifications_sent_total, notifications_failed_total
//   - invocations_total{operation,code}, errors_by_code_total{code}
//
// A nil or disabled *Metrics is safe to use; every recorder is a no-op.
package telemetry
