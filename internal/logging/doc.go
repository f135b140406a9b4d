// Package logging provides structured logging with OpenTelemetry integration.
//
// # Overview
//
// Logging wraps Zap with:
//   - Context field injection (trace_id, span_id, store instance, sync cycle, pattern)
//   - JSON or console output on stdout or stderr, plus an optional OTEL core
//   - Redaction by field name and by the secret rules used at capture
//   - Sampling below error level
//
// # Usage
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithInstanceID(ctx, store.InstanceID())
//	ctx = logging.WithCycleID(ctx, cycleID)
//	logger.Info(ctx, "sync cycle finished", zap.Int("patterns", n))
//
// The MCP server writes protocol frames to stdout, so it logs to stderr:
//
//	cfg.Output.Stream = logging.StreamStderr
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	svc := New(cfg, tl.Logger)
//	tl.AssertLogged(t, zapcore.WarnLevel, "pattern sync failed")
package logging
