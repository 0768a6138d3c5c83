package jitapi

// These consts are used various places in the jitlink implementations.
// Instead of defining them in each file, we define them here so that we can quickly iterate on
// debugging without spending "where do we have debug logging?" time.

// ----- Debug logging -----
// These consts must be disabled by default. Enable them only when debugging.

const (
	FrameLayoutLoggingEnabled  = false
	CallDispatchLoggingEnabled = false
	PatchLoggingEnabled        = false
)

// ----- Output prints -----
// These consts must be disabled by default. Enable them only when debugging.

const (
	PrintFrameLayout          = false
	PrintSafepointMaps        = false
	PrintFinalizedMachineCode = false
	PrintEncodedMachineCode   = false
)

// ----- Validations -----
// These consts must be enabled by default until we reach the point where we can disable them (e.g. multiple days of fuzzing passes).

const (
	FrameLayoutValidationEnabled = true
	SafepointValidationEnabled   = true
)
