// Package telemetry provides observability for the cell fleet.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry with a
// stdout or OTLP gRPC exporter), Prometheus metrics on a private registry and
// an in-process event publisher.
//
// Initialize telemetry at startup and pass component loggers down:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.NewComponentLogger("router").Zerolog()
//
// The router and cell services wrap their muxes with Metrics.Middleware and
// expose Metrics.Handler on /metrics. Rollouts open a span per run and per
// plan unit; canary checks open one span per check.
//
// Events published through EventPublisher are delivered synchronously unless
// async delivery is enabled. Subscribe returns a function removing the
// subscriber, which the CLI uses to follow a single rollout run:
//
//	unsubscribe := tel.Events.Subscribe(print, telemetry.FilterByRunID(runID))
//	defer unsubscribe()
package telemetry
