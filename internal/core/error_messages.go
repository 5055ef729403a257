package core

// # Error Codes Reference
//
// Pipeline errors are mapped to user-facing messages with a code that can be
// quoted to support. Typed errors are matched first (errors.Is / errors.As);
// anything else falls back to case-insensitive pattern matching on the
// message text.
//
// # Staging Errors (STG001-STG099)
//
//	STG001 - Staging conflict: A staging blob already exists
//	         Action: Wait for the running batch or run cleanup, then retry
//
// # Load Errors (LOAD001-LOAD099)
//
//	LOAD001 - Empty file: The batch file has no header row
//	LOAD002 - Header mismatch: Columns missing, unknown or duplicated
//	LOAD003 - Invalid value: A cell violates its column's type or nullability
//	LOAD004 - Row count mismatch: Staged rows differ from file rows
//	LOAD005 - Load failed: Any other bulk load failure
//
// # Merge Errors (MRG001-MRG099)
//
//	MRG001 - Duplicate keys: The batch holds the same key more than once
//	MRG002 - Table missing: The canonical table has not been provisioned
//	MRG003 - Merge failed: Any other merge failure
//
// # Cleanup Errors (CLN001)
//
//	CLN001 - Cleanup incomplete: A staging blob or table could not be removed
//
// # Run Errors (RUN001-RUN099)
//
//	RUN001 - Pipeline busy: Another batch is being processed
//	RUN002 - Run not found: Unknown or expired run ID
//	RUN003 - File too large: The batch exceeds the size limit
//	RUN004 - Cancelled: The request was cancelled
//	RUN005 - Timed out: The run exceeded its time limit
//
// # Database Errors (DB004-DB007)
//
// Connectivity problems, matched by message pattern.
//
// # Default Error (ERR000)
//
//	ERR000 - Unknown error: check application logs for the technical error

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/zeta/internal/batch"
	"github.com/JonMunkholm/zeta/internal/pipeline"
	"github.com/JonMunkholm/zeta/internal/schema"
	"github.com/JonMunkholm/zeta/internal/warehouse"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

// errorMatcher recognizes one typed error.
type errorMatcher struct {
	match func(error) bool
	msg   UserMessage
}

func is(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

func as[T error]() func(error) bool {
	return func(err error) bool {
		var target T
		return errors.As(err, &target)
	}
}

// typedErrors is checked in order; specific causes come before the wrapper
// types that carry them.
var typedErrors = []errorMatcher{
	{
		match: is(pipeline.ErrConflict),
		msg: UserMessage{
			Message: "A staging blob already exists",
			Action:  "Wait for the running batch to finish or run cleanup, then retry",
			Code:    "STG001",
		},
	},
	{
		match: is(ErrPipelineBusy),
		msg: UserMessage{
			Message: "Another batch is being processed",
			Action:  "Please wait a moment and try again",
			Code:    "RUN001",
		},
	},
	{
		match: is(ErrRunNotFound),
		msg: UserMessage{
			Message: "Run not found",
			Action:  "The run may have expired. Check the run list",
			Code:    "RUN002",
		},
	},
	{
		match: is(batch.ErrTooLarge),
		msg: UserMessage{
			Message: "File exceeds the maximum batch size",
			Action:  "Split the file into smaller batches",
			Code:    "RUN003",
		},
	},
	{
		match: is(batch.ErrEmptySource),
		msg: UserMessage{
			Message: "The batch file is empty",
			Action:  "Upload a CSV file with a header row",
			Code:    "LOAD001",
		},
	},
	{
		match: func(err error) bool {
			return errors.Is(err, schema.ErrMissingColumns) ||
				errors.Is(err, schema.ErrUnknownColumns) ||
				errors.Is(err, schema.ErrDuplicateColumns)
		},
		msg: UserMessage{
			Message: "The file's columns do not match the table",
			Action:  "Check the header row against the expected columns",
			Code:    "LOAD002",
		},
	},
	{
		match: as[*schema.FieldError](),
		msg: UserMessage{
			Message: "A value does not match its column type",
			Action:  "Fix the reported line and column, then upload again",
			Code:    "LOAD003",
		},
	},
	{
		match: is(pipeline.ErrRowCountMismatch),
		msg: UserMessage{
			Message: "Not every row of the file was staged",
			Action:  "Retry the batch; if it persists contact support",
			Code:    "LOAD004",
		},
	},
	{
		match: as[*warehouse.DuplicateKeyError](),
		msg: UserMessage{
			Message: "The file contains the same key more than once",
			Action:  "Remove duplicate rows and upload again",
			Code:    "MRG001",
		},
	},
	{
		match: func(err error) bool {
			return errors.Is(err, warehouse.ErrTableNotFound) && as[*pipeline.MergeError]()(err)
		},
		msg: UserMessage{
			Message: "The canonical table does not exist",
			Action:  "Provision the dataset before loading batches",
			Code:    "MRG002",
		},
	},
	{
		match: is(context.Canceled),
		msg: UserMessage{
			Message: "Request was cancelled",
			Action:  "Please try again",
			Code:    "RUN004",
		},
	},
	{
		match: is(context.DeadlineExceeded),
		msg: UserMessage{
			Message: "The run timed out",
			Action:  "Try a smaller batch or try again later",
			Code:    "RUN005",
		},
	},
	{
		match: as[*pipeline.LoadJobError](),
		msg: UserMessage{
			Message: "The batch could not be loaded",
			Action:  "Check the file and try again",
			Code:    "LOAD005",
		},
	},
	{
		match: as[*pipeline.MergeError](),
		msg: UserMessage{
			Message: "The batch could not be merged",
			Action:  "Please try again or contact support",
			Code:    "MRG003",
		},
	},
	{
		match: as[*pipeline.CleanupError](),
		msg: UserMessage{
			Message: "Staging artifacts could not be removed",
			Action:  "Run cleanup again; the next batch needs a clean staging area",
			Code:    "CLN001",
		},
	},
}

// errorPattern defines a message pattern and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns is the fallback for untyped errors, matched with
// strings.Contains on the lowercased message. The first match wins.
var errorPatterns = []errorPattern{
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Please try again in a few moments",
			Code:    "DB004",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "Database connection was interrupted",
			Action:  "Please try again",
			Code:    "DB005",
		},
	},
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "Operation timed out",
			Action:  "Try a smaller batch or try again later",
			Code:    "DB006",
		},
	},
	{
		pattern: "deadlock",
		msg: UserMessage{
			Message: "Database was busy with conflicting operations",
			Action:  "Please try again",
			Code:    "DB007",
		},
	},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
//
//	_, err := p.Run(ctx, file)
//	msg := MapError(err) // msg.Code == "STG001" for a staging conflict
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, m := range typedErrors {
		if m.match(err) {
			return m.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display:
// "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific code rather than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its user-facing message.
type UserError struct {
	Technical error       // Original technical error for logging
	User      UserMessage // User-friendly message for display
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err to a UserError. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
