/*
Package log provides structured logging via zerolog: a global logger
instance, configurable level/format/output, and context-logger helpers
for the identifiers that show up throughout the manager and agent —
agent_id, session_id, kernel_id.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("scheduler tick complete")
	log.Debug("checking agent resource slots")
	log.Warn("agent heartbeat missed")
	log.Error("failed to create kernel")
	log.Fatal("cannot start without a store") // exits the process

Structured logging:

	log.Logger.Info().
		Str("kernel_id", kernelID.String()).
		Str("status", string(types.KernelRunning)).
		Msg("kernel transitioned")

Component and context loggers:

	schedulerLog := log.WithComponent("scheduler")
	schedulerLog.Debug().Str("session_id", sessionID.String()).Msg("scheduling session")

	kernelLog := log.WithKernelID(kernelID.String())
	kernelLog.Info().Msg("kernel started")

	agentLog := log.WithAgentID(agentID.String())
	agentLog.Warn().Msg("agent rpc timed out")

# Design notes

One global zerolog.Logger, set once by Init and read by every package
through Logger or the With* helpers — no logger threading through
constructors. JSONOutput picks machine-parseable JSON for production
versus zerolog's ConsoleWriter for local development; both carry a
timestamp on every line.
*/
package log
