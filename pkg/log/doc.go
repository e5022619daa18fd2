// Package log configures the process-wide zerolog logger used across the
// scheduler core.
//
// Call Init once at process startup with the desired level and output
// format, then use the package-level Logger or one of the With* helpers
// to obtain a child logger tagged with request-scoped fields:
//
//	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
//	jobLogger := log.WithJobID(jobID)
//	jobLogger.Info().Msg("job submitted")
//
// Every goroutine that acts on behalf of a job, executor, or session
// should derive its logger from the corresponding With* constructor
// rather than logging through the bare global Logger, so that log lines
// from concurrent jobs can be told apart.
package log
