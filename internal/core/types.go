// Package core defines core types with zero external dependencies.
package core

// EngineState is the lifecycle state of a capture or replay engine.
type EngineState int32

const (
	StateIdle EngineState = iota
	StateRunning
)

func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and YAML output.
func (s EngineState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
