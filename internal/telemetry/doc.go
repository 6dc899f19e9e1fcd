// Package telemetry wires OpenTelemetry tracing and metrics for chaind.
//
// Providers export over OTLP (gRPC by default, http/protobuf optional) to a
// collector. Initialization failures never abort startup; the instance marks
// itself degraded and every accessor falls back to the global no-op providers.
//
// Typical wiring:
//
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Once New has run, package-level otel.Meter and otel.Tracer calls throughout
// chaind resolve to the configured providers.
package telemetry
