package protocol

import "fmt"

// Phase tags where a recovered error occurred. Error hooks receive it for
// observability; no phase error ever fails the outer call.
type Phase string

const (
	PhaseRequest  Phase = "request"
	PhaseResponse Phase = "response"
	PhaseDecode   Phase = "decode"
	PhaseLearn    Phase = "learn"
)

// ParseError reports a malformed packet body.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parsing packet: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// UnknownStructureError reports a packet referencing a structure ID the
// registry has never learned.
type UnknownStructureError struct {
	StructureID string
}

func (e *UnknownStructureError) Error() string {
	return fmt.Sprintf("unknown structure %s", e.StructureID)
}

// DecodeError reports a packet the codec rejected against its definition.
type DecodeError struct {
	StructureID string
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding packet for structure %s: %v", e.StructureID, e.Err)
}
func (e *DecodeError) Unwrap() error { return e.Err }

// ConfigError reports a malformed URL during endpoint key derivation.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("deriving endpoint key: %v", e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }
