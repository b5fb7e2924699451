// Package recovery centralizes retry, strategy-selection, degradation, and
// checkpointing (component C7). Every error detected by another component
// flows through this package for a recovery decision.
package recovery

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kpekel/swarmctl/pkg/message"
)

// Severity is the closed set of error severities.
type Severity string

const (
	SeverityFatal   Severity = "fatal"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// ErrCategory is the closed set of error categories.
type ErrCategory string

const (
	CategoryAgent    ErrCategory = "agent"
	CategoryWorkflow ErrCategory = "workflow"
	CategorySystem   ErrCategory = "system"
	CategoryExternal ErrCategory = "external"
	CategoryUser     ErrCategory = "user"
)

// Code is the closed string-enum of error codes. Strategy tables key on
// these verbatim (§7), so they must never be renamed casually.
type Code string

const (
	CodeAgentSpawnFailed  Code = "AGENT_SPAWN_FAILED"
	CodeAgentTimeout      Code = "AGENT_TIMEOUT"
	CodeAgentCrashed      Code = "AGENT_CRASHED"
	CodeAgentInvalidOut   Code = "AGENT_INVALID_OUTPUT"
	CodeAgentBlocked      Code = "AGENT_BLOCKED"
	CodeWorkflowNotFound  Code = "WORKFLOW_NOT_FOUND"
	CodeWorkflowTimeout   Code = "WORKFLOW_TIMEOUT"
	CodeMaxIterations     Code = "MAX_ITERATIONS"
	CodeStageFailed       Code = "STAGE_FAILED"
	CodeRoutingFailed     Code = "ROUTING_FAILED"
	CodeTmuxNotFound      Code = "TMUX_NOT_FOUND"
	CodeTmuxSessionFailed Code = "TMUX_SESSION_FAILED"
	CodeGitWorktreeFailed Code = "GIT_WORKTREE_FAILED"
	CodeDatabaseError     Code = "DATABASE_ERROR"
	CodeFilesystemError   Code = "FILESYSTEM_ERROR"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeNetworkError      Code = "NETWORK_ERROR"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeSessionExists     Code = "SESSION_EXISTS"
	CodeSessionNotFound   Code = "SESSION_NOT_FOUND"
)

// defaultSeverity and defaultCategory give every code a sensible default
// classification; callers may override via NewError's context.
var defaultSeverity = map[Code]Severity{
	CodeAgentSpawnFailed:  SeverityError,
	CodeAgentTimeout:      SeverityError,
	CodeAgentCrashed:      SeverityError,
	CodeAgentInvalidOut:   SeverityWarning,
	CodeAgentBlocked:      SeverityWarning,
	CodeWorkflowNotFound:  SeverityFatal,
	CodeWorkflowTimeout:   SeverityError,
	CodeMaxIterations:     SeverityWarning,
	CodeStageFailed:       SeverityError,
	CodeRoutingFailed:     SeverityError,
	CodeTmuxNotFound:      SeverityFatal,
	CodeTmuxSessionFailed: SeverityFatal,
	CodeGitWorktreeFailed: SeverityError,
	CodeDatabaseError:     SeverityFatal,
	CodeFilesystemError:   SeverityFatal,
	CodePermissionDenied:  SeverityFatal,
	CodeRateLimited:       SeverityWarning,
	CodeNetworkError:      SeverityError,
	CodeInvalidArgument:   SeverityFatal,
	CodeSessionExists:     SeverityFatal,
	CodeSessionNotFound:   SeverityFatal,
}

var defaultCategory = map[Code]ErrCategory{
	CodeAgentSpawnFailed:  CategoryAgent,
	CodeAgentTimeout:      CategoryAgent,
	CodeAgentCrashed:      CategoryAgent,
	CodeAgentInvalidOut:   CategoryAgent,
	CodeAgentBlocked:      CategoryAgent,
	CodeWorkflowNotFound:  CategoryWorkflow,
	CodeWorkflowTimeout:   CategoryWorkflow,
	CodeMaxIterations:     CategoryWorkflow,
	CodeStageFailed:       CategoryWorkflow,
	CodeRoutingFailed:     CategoryWorkflow,
	CodeTmuxNotFound:      CategorySystem,
	CodeTmuxSessionFailed: CategorySystem,
	CodeGitWorktreeFailed: CategorySystem,
	CodeDatabaseError:     CategorySystem,
	CodeFilesystemError:   CategorySystem,
	CodePermissionDenied:  CategorySystem,
	CodeRateLimited:       CategoryExternal,
	CodeNetworkError:      CategoryExternal,
	CodeInvalidArgument:   CategoryUser,
	CodeSessionExists:     CategoryUser,
	CodeSessionNotFound:   CategoryUser,
}

// retryableCodes marks which codes are retryable by default.
var retryableCodes = map[Code]bool{
	CodeAgentTimeout:      true,
	CodeAgentCrashed:      true,
	CodeRateLimited:       true,
	CodeNetworkError:      true,
	CodeRoutingFailed:     true,
	CodeDatabaseError:     true,
	CodeAgentSpawnFailed:  true,
}

// ErrorRecord is the structured error type that flows through the recovery
// engine (§3 Error record). It implements the error interface.
type ErrorRecord struct {
	ID          string
	Severity    Severity
	Category    ErrCategory
	Code        Code
	Component   string
	Role        message.Role
	Timestamp   time.Time
	Message     string
	Context     map[string]interface{}
	Recoverable bool
	Retryable   bool
	RetryCount  int
	Strategy    StrategyKind
	Recovered   bool
	Cause       error
}

func (e *ErrorRecord) Error() string {
	if e.Role != "" {
		return fmt.Sprintf("[%s/%s] %s (%s): %s", e.Component, e.Role, e.Code, e.Severity, e.Message)
	}
	return fmt.Sprintf("[%s] %s (%s): %s", e.Component, e.Code, e.Severity, e.Message)
}

// Unwrap exposes the causing error for errors.Is/As chains.
func (e *ErrorRecord) Unwrap() error { return e.Cause }

// NewErrorOptions carries the fields a caller can set when minting an
// ErrorRecord via NewError; zero-value fields take sensible defaults.
type NewErrorOptions struct {
	Component string
	Role      message.Role
	Message   string
	Context   map[string]interface{}
	Cause     error
}

// NewError is the factory that produces ErrorRecords from (code, context),
// consulting the default severity/category/retryable tables (§4.7, §9).
func NewError(code Code, opts NewErrorOptions) *ErrorRecord {
	sev, ok := defaultSeverity[code]
	if !ok {
		sev = SeverityError
	}
	cat, ok := defaultCategory[code]
	if !ok {
		cat = CategorySystem
	}
	msg := opts.Message
	if msg == "" && opts.Cause != nil {
		msg = opts.Cause.Error()
	}
	return &ErrorRecord{
		ID:          uuid.NewString(),
		Severity:    sev,
		Category:    cat,
		Code:        code,
		Component:   opts.Component,
		Role:        opts.Role,
		Timestamp:   time.Now().UTC(),
		Message:     msg,
		Context:     opts.Context,
		Recoverable: sev != SeverityFatal,
		Retryable:   retryableCodes[code],
		Strategy:    "",
	}
}
