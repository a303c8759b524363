package oaiextract

import "fmt"

// TransportError wraps a failure in the underlying HTTP transport (send,
// receive, non-2xx status). It is always raised to the caller, never merely
// logged.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("oaiextract: transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// OAIProtocolError represents an OAI-PMH <error code="..."> response. Unlike
// TransportError it is not propagated as a Go error from verb methods; the
// Repository Client logs it and returns the verb's empty/null result.
type OAIProtocolError struct {
	Code string
	Text string
}

func (e *OAIProtocolError) Error() string {
	return fmt.Sprintf("oai-pmh error %s: %s", e.Code, e.Text)
}

// TokenLimitExceeded is raised by the exhaustive-listing helpers once the
// number of processed non-null resumption tokens exceeds the configured cap.
type TokenLimitExceeded struct {
	Limit     int
	Processed int
}

func (e *TokenLimitExceeded) Error() string {
	return fmt.Sprintf("oaiextract: resumption token limit exceeded (limit=%d, processed=%d)", e.Limit, e.Processed)
}

// FilterSyntaxError is raised by a Transfer-URL Filter when it cannot be
// applied to the given metadata. The undeclared-namespace-prefix subcase
// carries a message of the exact form "prefix '<p>' not found in prefix map"
// so callers (and the Payload Collector) can detect it by substring match.
type FilterSyntaxError struct {
	Msg string
}

func (e *FilterSyntaxError) Error() string { return e.Msg }

func newUndeclaredPrefixError(prefix string) *FilterSyntaxError {
	return &FilterSyntaxError{Msg: fmt.Sprintf("prefix '%s' not found in prefix map", prefix)}
}

// UsageError signals a caller mistake detected before any work begins:
// missing required arguments, mutually exclusive constructor options, or a
// call that requires infrastructure (a Payload Collector) that was never
// configured.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return "oaiextract: " + e.Msg }

// CollisionError is raised when no non-colliding filename could be found
// after 10 probes.
type CollisionError struct {
	Dir      string
	Filename string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("oaiextract: could not resolve a non-colliding filename for %q in %q after 10 attempts", e.Filename, e.Dir)
}

// IdentifierExhausted is raised after 100 job-identifier collisions.
type IdentifierExhausted struct{}

func (e *IdentifierExhausted) Error() string {
	return "oaiextract: exhausted 100 attempts to generate a unique job identifier"
}
