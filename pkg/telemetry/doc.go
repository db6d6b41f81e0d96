// Package telemetry provides observability for netconverge: structured
// logging with zerolog, tracing with OpenTelemetry and Prometheus metrics.
//
// # Usage
//
// Initialize telemetry once at process start:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// NewTelemetry installs the configured logger as the global zerolog logger,
// so packages keep logging through github.com/rs/zerolog/log. When tracing is
// enabled the tracer provider is installed globally and spans started with
// otel.Tracer in the gateway, inspector and engine packages are exported.
//
// # Metrics
//
// *Metrics implements the recorder interfaces of the gateway, the inspector
// and the plan executor, so one registry observes a whole converge:
//
//	gw := gateway.New(runner, gateway.WithRecorder(tel.Metrics))
//	insp := inspector.New(gw, inspector.WithRecorder(tel.Metrics))
//	exec := engine.NewPlanExecutor(gw, store, cfg).WithRecorder(tel.Metrics)
//
// Exposed series:
//
//	netconverge_gateway_calls_total{verb,outcome}
//	netconverge_gateway_call_duration_seconds{verb}
//	netconverge_operations_total{verb,outcome}
//	netconverge_operation_attempts{verb}
//	netconverge_operation_duration_seconds{verb}
//	netconverge_operation_retries_total{verb}
//	netconverge_applies_total{status}
//	netconverge_apply_duration_seconds{status}
//	netconverge_snapshot_duration_seconds
//	netconverge_snapshot_unknown_entities
//
// Long-running commands serve them with Metrics.Serve.
package telemetry
