package orchestrator

import "fmt"

// NoEvidenceError is the deliberate fatal outcome when zero recency-valid
// trend signals survive both the research loop and the fallback escalation.
// The system refuses to fabricate a strategy from no evidence.
type NoEvidenceError struct {
	Query string
}

func (e NoEvidenceError) Error() string {
	return "no fresh trend evidence found after expanded search; retry with a different image or add a steering hint"
}

// SynthesisError reports a structured-generation call that could not produce
// a schema-conforming strategy. Not retried at this layer.
type SynthesisError struct {
	Stage string
	Err   error
}

func (e SynthesisError) Error() string {
	return fmt.Sprintf("%s synthesis failed: %v", e.Stage, e.Err)
}

func (e SynthesisError) Unwrap() error {
	return e.Err
}
