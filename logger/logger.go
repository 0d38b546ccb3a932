// Package logger provides the global structured logger for importpipe.
//
// The logger is zap-based with two output modes: human-readable console
// output for interactive CLI use and JSON output for machine consumption
// (piping into log collectors on an operator box).
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global logger instance
	Logger *zap.SugaredLogger
	// JSONOutput tracks whether JSON output is enabled
	JSONOutput bool
)

func init() {
	// Initialize with a safe no-op logger at package load time.
	// This prevents nil pointer panics if the logger is used before
	// Initialize() is called (e.g., from library consumers).
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger based on the JSON output preference
// and CLI verbosity (-v flag count).
func Initialize(jsonOutput bool, verbosity int) error {
	JSONOutput = jsonOutput

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		// JSON structured output for machine consumption
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(VerbosityToLevel(verbosity))
		zapLogger, err = config.Build()
		if err != nil {
			return err
		}
	} else {
		// Human-readable console output, time-less and calm
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.TimeKey = ""
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapLogger = zap.New(
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(encCfg),
				zapcore.AddSync(os.Stderr),
				VerbosityToLevel(verbosity),
			),
		)
	}

	Logger = zapLogger.Sugar()
	return nil
}

// ForJob returns a child logger with the job id pre-attached, so every
// line emitted while tracking a job carries its identity.
func ForJob(base *zap.SugaredLogger, jobID string) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	return base.With("job_id", jobID)
}
