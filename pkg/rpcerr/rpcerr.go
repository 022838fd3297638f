// Package rpcerr builds the RPC status errors every layer of rpcmesh
// trails its calls with. It is a thin set of constructors over
// google.golang.org/grpc's codes/status, the same package the teacher
// prototype used for its End.Status field.
package rpcerr

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// New builds a status error for code with a formatted message.
func New(code codes.Code, format string, args ...interface{}) error {
	return status.Errorf(code, format, args...)
}

// CodeSerialization is the status code codec failures are reported under.
// The gRPC-aligned subset in spec section 6 has no dedicated
// "SERIALIZATION" code; malformed caller-supplied bytes are an invalid
// argument, the closest fit.
const CodeSerialization = codes.InvalidArgument

// Serialization wraps a codec failure, keeping the offending bytes out of
// the error (callers that need them read straight off the Codec call).
func Serialization(format string, args ...interface{}) error {
	return status.Errorf(CodeSerialization, format, args...)
}

// Config reports a setup-time registration error (e.g. a duplicate
// (service, method) registration). Config errors never reach the wire —
// they fail registerService's return to the caller before any stream
// exists — so they sit outside the gRPC-aligned status subset spec section
// 6 reserves for call trailers.
func Config(format string, args ...interface{}) error {
	return status.Errorf(codes.AlreadyExists, format, args...)
}

// Unimplemented reports that no handler is registered for methodPath.
func Unimplemented(methodPath string) error {
	return status.Errorf(codes.Unimplemented, "rpcmesh: method %q is not registered", methodPath)
}

// Internal wraps an arbitrary internal failure reason.
func Internal(reason string) error {
	return status.Error(codes.Internal, reason)
}

// MalformedFrame reports a codec-level framing violation.
func MalformedFrame(reason string) error {
	return status.Error(codes.Internal, "rpcmesh: malformed frame: "+reason)
}

// Unavailable reports that the underlying transport is gone.
func Unavailable(reason string) error {
	return status.Error(codes.Unavailable, reason)
}

// StreamExhausted reports that a stream-id manager ran out of ids.
func StreamExhausted() error {
	return status.Error(codes.ResourceExhausted, "rpcmesh: stream id space exhausted")
}

// DeadlineExceeded reports a caller-side timeout.
func DeadlineExceeded() error {
	return status.Error(codes.DeadlineExceeded, "rpcmesh: deadline exceeded")
}

// Canceled reports a caller- or user-initiated cancellation.
func Canceled(reason string) error {
	if reason == "" {
		reason = "rpcmesh: call canceled"
	}
	return status.Error(codes.Canceled, reason)
}

// Redact collapses a handler failure to a short trailer-safe reason. The
// full error belongs in the diagnostics log, never on the wire.
func Redact(err error) string {
	if err == nil {
		return ""
	}
	const max = 140
	msg := err.Error()
	if len(msg) <= max {
		return msg
	}
	return msg[:max] + "…"
}

// FromRecover turns a recovered handler panic into an INTERNAL error,
// matching the "handler exception never escapes the dispatch loop" rule.
func FromRecover(r interface{}) error {
	return status.Error(codes.Internal, fmt.Sprintf("rpcmesh: handler panic: %v", r))
}
