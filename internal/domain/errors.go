package domain

import (
	"context"
	"errors"
	"fmt"
)

// Category sentinels, combined with NewSubSystemError for subsystem-specific codes.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Routing sentinels.
var (
	ErrNoAgentsRegistered      = fmt.Errorf("no agents registered")
	ErrDuplicateAgentID        = fmt.Errorf("agent: %w", ErrDuplicate)
	ErrScoringUnavailable      = fmt.Errorf("scoring unavailable")
	ErrAgentExecution          = fmt.Errorf("agent execution failed")
	ErrSafetyGateUnavailable   = fmt.Errorf("safety gate unavailable")
	ErrContextStoreUnavailable = fmt.Errorf("context store unavailable")
	ErrCancelled               = fmt.Errorf("request cancelled")

	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrEncryption = fmt.Errorf("encryption operation failed")
	ErrDecryption = fmt.Errorf("decryption failed")
	ErrAuditWrite = fmt.Errorf("audit write failed")

	ErrPathOutsideRoot = fmt.Errorf("path outside allowed directory")
	ErrEmbeddingFailed = fmt.Errorf("embedding failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Engine.Route")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // internal detail; never shown to callers
	SubSystem string // subsystem identifier (e.g., "agent"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsSoftError reports whether err degrades a request without failing it.
func IsSoftError(err error) bool {
	return errors.Is(err, ErrContextStoreUnavailable)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown                 ErrorCode = "UNKNOWN"
	CodeNotFound                ErrorCode = "NOT_FOUND"
	CodeDuplicate               ErrorCode = "DUPLICATE"
	CodeTimeout                 ErrorCode = "TIMEOUT"
	CodeInvalidInput            ErrorCode = "INVALID_INPUT"
	CodeNoAgentsRegistered      ErrorCode = "NO_AGENTS_REGISTERED"
	CodeDuplicateAgentID        ErrorCode = "DUPLICATE_AGENT_ID"
	CodeAgentNotFound           ErrorCode = "AGENT_NOT_FOUND"
	CodeScoringUnavailable      ErrorCode = "SCORING_UNAVAILABLE"
	CodeAgentExecution          ErrorCode = "AGENT_EXECUTION_ERROR"
	CodeSafetyGateUnavailable   ErrorCode = "SAFETY_GATE_UNAVAILABLE"
	CodeContextStoreUnavailable ErrorCode = "CONTEXT_STORE_UNAVAILABLE"
	CodeCancelled               ErrorCode = "CANCELLED"
	CodeConfigLoad              ErrorCode = "CONFIG_LOAD"
	CodeEncryption              ErrorCode = "ENCRYPTION"
	CodeDecryption              ErrorCode = "DECRYPTION"
	CodeAuditWrite              ErrorCode = "AUDIT_WRITE"
	CodePathOutsideRoot         ErrorCode = "PATH_OUTSIDE_ROOT"
	CodeEmbeddingFailed         ErrorCode = "EMBEDDING_FAILED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
// More specific sentinels must be checked before the categories they wrap,
// see orderedSentinels.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:                CodeNotFound,
	ErrDuplicate:               CodeDuplicate,
	ErrTimeout:                 CodeTimeout,
	ErrInvalidInput:            CodeInvalidInput,
	ErrNoAgentsRegistered:      CodeNoAgentsRegistered,
	ErrDuplicateAgentID:        CodeDuplicateAgentID,
	ErrScoringUnavailable:      CodeScoringUnavailable,
	ErrAgentExecution:          CodeAgentExecution,
	ErrSafetyGateUnavailable:   CodeSafetyGateUnavailable,
	ErrContextStoreUnavailable: CodeContextStoreUnavailable,
	ErrCancelled:               CodeCancelled,
	ErrConfigLoad:              CodeConfigLoad,
	ErrEncryption:              CodeEncryption,
	ErrDecryption:              CodeDecryption,
	ErrAuditWrite:              CodeAuditWrite,
	ErrPathOutsideRoot:         CodePathOutsideRoot,
	ErrEmbeddingFailed:         CodeEmbeddingFailed,
}

// orderedSentinels is the errors.Is walk order: specific before category.
var orderedSentinels = []error{
	ErrNoAgentsRegistered,
	ErrDuplicateAgentID,
	ErrScoringUnavailable,
	ErrAgentExecution,
	ErrSafetyGateUnavailable,
	ErrContextStoreUnavailable,
	ErrCancelled,
	ErrConfigLoad,
	ErrEncryption,
	ErrDecryption,
	ErrAuditWrite,
	ErrPathOutsideRoot,
	ErrEmbeddingFailed,
	ErrNotFound,
	ErrDuplicate,
	ErrTimeout,
	ErrInvalidInput,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"agent": CodeAgentNotFound,
	},
	ErrDuplicate: {
		"agent": CodeDuplicateAgentID,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Context cancellation maps to CodeCancelled and deadline expiry to CodeTimeout
// when no routing sentinel is present in the chain.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for _, sentinel := range orderedSentinels {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}

	switch {
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	for _, sentinel := range orderedSentinels {
		if errors.Is(e.Err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// publicMessages are the caller-safe texts returned by PublicMessage.
var publicMessages = map[ErrorCode]string{
	CodeNoAgentsRegistered:    "no agents are available to handle this request",
	CodeScoringUnavailable:    "unable to route this request right now, please retry",
	CodeAgentExecution:        "the request could not be completed",
	CodeSafetyGateUnavailable: "the request could not be checked and was not processed",
	CodeCancelled:             "the request was cancelled",
	CodeTimeout:               "the request timed out",
	CodeInvalidInput:          "the request is invalid",
	CodeAgentNotFound:         "agent not found",
	CodeNotFound:              "not found",
}

// PublicMessage returns a generic description of err that is safe to show to
// callers. It never includes the wrapped error text.
func PublicMessage(err error) string {
	if msg, ok := publicMessages[ErrorCodeOf(err)]; ok {
		return msg
	}
	return "internal error"
}
