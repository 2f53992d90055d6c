package protocol

import "fmt"

// TransportError reports a signaling socket failure. Recoverable: the
// transport retries with backoff before surfacing a terminal disconnect.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or out-of-order signaling message.
// The connection it concerns is discarded, never repaired.
type ProtocolError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("protocol %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("protocol: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// NegotiationError reports an SDP/ICE failure or a non-2xx HTTP response
// during WHIP/WHEP negotiation. Surfaced to the caller of Publish/View.
type NegotiationError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *NegotiationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("negotiation %s: http %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("negotiation %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
