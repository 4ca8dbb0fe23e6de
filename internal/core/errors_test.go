// internal/core/errors_test.go
package core

import (
	"errors"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := &Error{Code: "TEST_ERROR", Message: "test message"}
	if err.Error() != "[TEST_ERROR] test message" {
		t.Errorf("unexpected error string: %s", err.Error())
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{Code: "WRAP", Message: "wrapped", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("Unwrap should return cause")
	}
}

func TestError_Is(t *testing.T) {
	if !errors.Is(ErrJobNotFound, ErrJobNotFound) {
		t.Error("same error should match")
	}
}

func TestWrapError(t *testing.T) {
	cause := errors.New("original")
	wrapped := WrapError(ErrExportFailed, cause)
	if wrapped.Cause != cause {
		t.Error("cause not set")
	}
	if wrapped.Code != ErrExportFailed.Code {
		t.Error("code not preserved")
	}
}

func TestError_IsMatchesWrappedCode(t *testing.T) {
	wrapped := WrapError(ErrDataInvalid, errors.New("bad row"))
	if !errors.Is(wrapped, ErrDataInvalid) {
		t.Error("wrapped error should match its base code")
	}
	if errors.Is(wrapped, ErrNoData) {
		t.Error("different codes should not match")
	}
}
