// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func allCodes() []ErrorCode {
	return []ErrorCode{
		ErrInternal, ErrInvalid, ErrNotFound, ErrValidation,
		ErrDatabase, ErrMigration, ErrConstraint,
		ErrSyncNotConfigured, ErrSyncFailed, ErrSyncTimeout, ErrSyncAuthFailed,
		ErrRemoteRejected, ErrOffline, ErrTenantUnresolved, ErrSessionConflict,
	}
}

// TestErrorCodes_areUnique verifies all error codes are unique and uppercase.
func TestErrorCodes_areUnique(t *testing.T) {
	seen := make(map[ErrorCode]bool)
	for _, code := range allCodes() {
		if code == "" {
			t.Error("ErrorCode should not be empty")
		}
		if seen[code] {
			t.Errorf("ErrorCode %q is duplicated", code)
		}
		seen[code] = true

		if str := string(code); str != strings.ToUpper(str) {
			t.Errorf("ErrorCode %q should be uppercase", str)
		}
	}
}

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrDatabase, Message: "query failed", Err: errors.New("database is locked")},
			want:     "[DATABASE_ERROR] query failed: database is locked",
		},
		{
			name:     "remote rejection",
			appError: &AppError{Code: ErrRemoteRejected, Message: "insert machines"},
			want:     "[REMOTE_REJECTED] insert machines",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.appError.Error()
			if got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestWrap verifies error wrapping and unwrapping.
func TestWrap(t *testing.T) {
	underlyingErr := errors.New("underlying")

	err := Wrap(ErrDatabase, "query failed", underlyingErr)
	if err.Code != ErrDatabase {
		t.Errorf("Wrap() code = %q, want %q", err.Code, ErrDatabase)
	}
	if err.Unwrap() != underlyingErr {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), underlyingErr)
	}
	if !errors.Is(err, underlyingErr) {
		t.Error("errors.Is() should find the underlying error")
	}

	if New(ErrInternal, "x").Unwrap() != nil {
		t.Error("New() should not wrap an error")
	}
}

// TestIs verifies error code checking.
func TestIs(t *testing.T) {
	inner := New(ErrRemoteRejected, "duplicate key")
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"matching AppError", &AppError{Code: ErrNotFound}, ErrNotFound, true},
		{"non-matching AppError", &AppError{Code: ErrNotFound}, ErrInternal, false},
		{"non-AppError", errors.New("standard error"), ErrInternal, false},
		{"nil error", nil, ErrInternal, false},
		{"fmt wrapped", fmt.Errorf("replay: %w", inner), ErrRemoteRejected, true},
		{"nested code", Wrap(ErrSyncFailed, "entry 3", inner), ErrRemoteRejected, true},
		{"outer code", Wrap(ErrSyncFailed, "entry 3", inner), ErrSyncFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCodeOf verifies the outermost code is reported.
func TestCodeOf(t *testing.T) {
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Errorf("CodeOf(plain) = %q, want %q", got, ErrInternal)
	}
	err := fmt.Errorf("enqueue: %w", Wrap(ErrInvalid, "missing id", nil))
	if got := CodeOf(err); got != ErrInvalid {
		t.Errorf("CodeOf() = %q, want %q", got, ErrInvalid)
	}
}
