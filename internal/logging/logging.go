package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is a wrapper around zerolog.Logger
type Logger struct {
	logger zerolog.Logger
}

// Config holds logging configuration
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, file path
}

// NewLogger creates a new logger with the given configuration
func NewLogger(cfg Config) (*Logger, error) {
	var output io.Writer

	switch cfg.Output {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}
		output = file
	}

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Caller().
		Logger()

	// Set global logger
	log.Logger = logger

	return &Logger{logger: logger}, nil
}

// NewDefaultLogger creates a logger with default configuration
func NewDefaultLogger() (*Logger, error) {
	return NewLogger(Config{Level: "info", Format: "json", Output: "stdout"})
}

// WithField adds a field to the logger
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{logger: l.logger.With().Interface(key, value).Logger()}
}

// WithError adds an error to the logger
func (l *Logger) WithError(err error) *Logger {
	return &Logger{logger: l.logger.With().Err(err).Logger()}
}

// WithJobID adds a job ID to the logger
func (l *Logger) WithJobID(jobID string) *Logger {
	return &Logger{logger: l.logger.With().Str("job_id", jobID).Logger()}
}

// WithAccountID adds an account ID to the logger
func (l *Logger) WithAccountID(accountID string) *Logger {
	return &Logger{logger: l.logger.With().Str("account_id", accountID).Logger()}
}

// WithStage adds a pipeline stage to the logger
func (l *Logger) WithStage(stage string) *Logger {
	return &Logger{logger: l.logger.With().Str("stage", stage).Logger()}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

// Info logs an info message
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msgf(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string) {
	l.logger.Error().Msg(msg)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

// ErrorWithErr logs an error message with an error
func (l *Logger) ErrorWithErr(msg string, err error) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatalf logs a formatted fatal message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatal().Msgf(format, args...)
}

// LogHTTPRequest logs an API request
func (l *Logger) LogHTTPRequest(method, path, clientIP string, status int, latency time.Duration) {
	l.logger.Info().
		Str("method", method).
		Str("path", path).
		Str("client_ip", clientIP).
		Int("status", status).
		Dur("latency_ms", latency).
		Msg("HTTP request")
}

// LogStageEvent logs a pipeline stage transition
func (l *Logger) LogStageEvent(jobID, stage, status string, duration time.Duration) {
	l.logger.Info().
		Str("job_id", jobID).
		Str("stage", stage).
		Str("status", status).
		Dur("duration_ms", duration).
		Msg("Stage event")
}

// LogCreditEvent logs a ledger mutation
func (l *Logger) LogCreditEvent(accountID, entryType string, amount, balanceAfter int) {
	l.logger.Info().
		Str("account_id", accountID).
		Str("entry_type", entryType).
		Int("amount", amount).
		Int("balance_after", balanceAfter).
		Msg("Credit event")
}

// LogBillingEvent logs a processed billing event
func (l *Logger) LogBillingEvent(eventID, eventType, accountID, result string) {
	l.logger.Info().
		Str("event_id", eventID).
		Str("event_type", eventType).
		Str("account_id", accountID).
		Str("result", result).
		Msg("Billing event")
}
