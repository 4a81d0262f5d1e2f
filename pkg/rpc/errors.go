package rpc

import (
	"fmt"

	"github.com/fortiblox/X1-Sentinel/pkg/verdict"
)

// JSON-RPC 2.0 standard error codes.
const (
	// ParseError indicates invalid JSON was received.
	ParseError = -32700

	// InvalidRequest indicates the JSON sent is not a valid Request object.
	InvalidRequest = -32600

	// MethodNotFound indicates the method does not exist.
	MethodNotFound = -32601

	// InvalidParams indicates invalid method parameters.
	InvalidParams = -32602

	// InternalError indicates an internal JSON-RPC error.
	InternalError = -32603
)

// Verifier error codes.
const (
	// ProgramRejected indicates the program failed verification.
	ProgramRejected = -32001

	// ProgramMalformed indicates the program could not be decoded or is
	// structurally invalid.
	ProgramMalformed = -32002

	// VerdictNotFound indicates no cached verdict exists for the id.
	VerdictNotFound = -32003

	// NodeUnhealthy indicates the node is unhealthy.
	NodeUnhealthy = -32005
)

// Common error messages.
var (
	ErrParseError      = NewRPCError(ParseError, "Parse error")
	ErrInvalidRequest  = NewRPCError(InvalidRequest, "Invalid Request")
	ErrMethodNotFound  = NewRPCError(MethodNotFound, "Method not found")
	ErrInvalidParams   = NewRPCError(InvalidParams, "Invalid params")
	ErrInternalError   = NewRPCError(InternalError, "Internal error")
	ErrVerdictNotFound = NewRPCError(VerdictNotFound, "Verdict not found")
	ErrNodeUnhealthy   = NewRPCError(NodeUnhealthy, "Node is unhealthy")
)

// NewRPCError creates a new RPC error.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
	}
}

// NewRPCErrorWithData creates a new RPC error with additional data.
func NewRPCErrorWithData(code int, message string, data interface{}) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// InvalidParamsError creates an invalid params error with a custom message.
func InvalidParamsError(msg string) *RPCError {
	return NewRPCError(InvalidParams, msg)
}

// InvalidParamsErrorf creates an invalid params error with a formatted message.
func InvalidParamsErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InvalidParams, fmt.Sprintf(format, args...))
}

// InternalServerErrorf creates an internal server error with a formatted message.
func InternalServerErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InternalError, fmt.Sprintf(format, args...))
}

// ProgramRejectedError reports a rejection; the verdict is the error data.
func ProgramRejectedError(v verdict.Verdict) *RPCError {
	return NewRPCErrorWithData(ProgramRejected,
		fmt.Sprintf("Program rejected: %s at pc %d", v.Kind, v.PC), v)
}

// ProgramMalformedError reports a program that could not be analyzed.
func ProgramMalformedError(err error) *RPCError {
	return NewRPCError(ProgramMalformed, fmt.Sprintf("Program malformed: %v", err))
}
