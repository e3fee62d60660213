// Package gate defines the machine-readable failure taxonomy of the action
// governance pipeline. Every precondition failure is returned as a structured
// error with a distinct code, never coerced into a generic 500.
package gate

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable governance failure code
type Code string

const (
	CodeSocialExecutionDisabled   Code = "SOCIAL_EXECUTION_DISABLED"
	CodeHelperExecutionDisabled   Code = "HELPER_EXECUTION_DISABLED"
	CodeLLMNotReady               Code = "LLM_NOT_READY"
	CodeApprovalRequired          Code = "APPROVAL_REQUIRED"
	CodeApprovalPending           Code = "APPROVAL_PENDING"
	CodeApprovalDenied            Code = "APPROVAL_DENIED"
	CodeApprovalAlreadyResolved   Code = "APPROVAL_ALREADY_RESOLVED"
	CodeToolDenied                Code = "TOOL_DENIED"
	CodeScanProtocolViolation     Code = "SCAN_PROTOCOL_VIOLATION"
	CodeDeleteConfirmRequired     Code = "DELETE_CONFIRM_REQUIRED"
	CodeMemoryDeleteConfirm       Code = "MEMORY_DELETE_CONFIRM_REQUIRED"
	CodeWorkspaceEscape           Code = "WORKSPACE_ESCAPE"
	CodePathEscape                Code = "PATH_ESCAPE"
	CodeSymlinkEscape             Code = "SYMLINK_ESCAPE"
	CodeMCPNotFound               Code = "MCP_NOT_FOUND"
	CodeMCPNotReady               Code = "MCP_NOT_READY"
	CodeMCPNeedsTest              Code = "MCP_NEEDS_TEST"
	CodeMCPBuiltin                Code = "MCP_BUILTIN"
	CodeExecFail                  Code = "EXEC_FAIL"
	CodeProposalNotFound          Code = "PROPOSAL_NOT_FOUND"
)

// Error carries a taxonomy code alongside the HTTP status the API layer
// should surface it with.
type Error struct {
	Code       Code
	Status     int
	Message    string
	ApprovalID string // set when the caller can act on a pending approval
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates a governance error with an explicit HTTP status
func New(code Code, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Newf creates a governance error with a formatted message
func Newf(code Code, status int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

// Forbidden creates a 403 governance error
func Forbidden(code Code, message string) *Error {
	return New(code, http.StatusForbidden, message)
}

// Conflict creates a 409 governance error
func Conflict(code Code, message string) *Error {
	return New(code, http.StatusConflict, message)
}

// NotFound creates a 404 governance error
func NotFound(code Code, message string) *Error {
	return New(code, http.StatusNotFound, message)
}

// Unprocessable creates a 422 governance error
func Unprocessable(code Code, message string) *Error {
	return New(code, http.StatusUnprocessableEntity, message)
}

// WithApprovalID attaches the id of a pending approval the operator can act on
func (e *Error) WithApprovalID(id string) *Error {
	e.ApprovalID = id
	return e
}

// As unwraps err into a governance error if it is one
func As(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}
