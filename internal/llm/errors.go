package llm

import "fmt"

// ValidationError reports a capability response that does not match the
// expected shape. It is not retried here beyond the one local repair pass;
// callers treat it as fatal for the run.
type ValidationError struct {
	Capability string
	Reason     string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s returned a non-conforming response: %s", e.Capability, e.Reason)
}
