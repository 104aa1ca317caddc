package constants

// Environment variables read at startup
const (
	// EnvLogLevel selects the logger level: debug, info, warn or error.
	EnvLogLevel = "LOG_LEVEL"

	// EnvConfigFile names a YAML configuration file used when no -c flag is given.
	EnvConfigFile = "ACCEL_PIPELINE_CONFIG"
)

// Trace components and api names understood by the execution graph viewer
const (
	TraceStage = "eop"

	TraceStartAsync = "pfsa"
	TraceWait       = "pfw"
	TraceRun        = "ran"

	TraceStart = "start"
	TraceEnd   = "end"
)
