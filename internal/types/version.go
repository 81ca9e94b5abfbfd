package types

// Version constants for the event log and engine.
const (
	// LogVersion is the event envelope schema version.
	LogVersion = "1"

	// EngineVersion is the stacktrain engine version.
	EngineVersion = "0.1.0"
)
