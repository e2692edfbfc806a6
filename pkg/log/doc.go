/*
Package log provides structured logging for Gantry using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific loggers, configurable log levels, and
helper functions for common logging patterns. All logs include
timestamps and support filtering by severity level.

Output goes to stdout by default; setting Config.File switches to a
size-rotated log file (lumberjack). Pipeline stages attach their
context through the With* helpers:

	logger := log.WithComponent("loader")
	logger.Info().Str("load_id", id).Msg("package spooled")

Console (human-readable) output is intended for interactive use, JSON
for anything collected by a log shipper.
*/
package log
