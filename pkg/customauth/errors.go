package customauth

import (
	"errors"
	"fmt"

	"github.com/shadowlink/shadowlink-go/pkg/challenge"
)

// Session errors. The usage errors are shared with package challenge so
// errors.Is works across both.
var (
	ErrInvalidInput      = challenge.ErrInvalidInput
	ErrProtocolViolation = challenge.ErrProtocolViolation
	ErrUserCancelled     = challenge.ErrUserCancelled

	// ErrUserExists is returned by providers when SignUp finds the account.
	ErrUserExists = errors.New("user already exists")
)

// TypeUsernameExists is the provider error type for an existing account.
const TypeUsernameExists = "UsernameExistsException"

// AuthError is an opaque provider failure carrying a displayable type and message.
type AuthError struct {
	// Type is the provider's error taxonomy name (e.g. NotAuthorizedException).
	Type string

	// Message is the provider's human-readable message.
	Message string

	// Err is an optional underlying cause.
	Err error
}

func (e *AuthError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Title returns the alert title for this error.
func (e *AuthError) Title() string {
	if e.Type == "" {
		return "Error"
	}
	return e.Type
}

// IsUserExists reports whether err means the account already exists.
func IsUserExists(err error) bool {
	if errors.Is(err, ErrUserExists) {
		return true
	}
	var ae *AuthError
	return errors.As(err, &ae) && ae.Type == TypeUsernameExists
}

// Display returns the title and message to show for a terminal error.
// Cancellation and nil produce empty strings.
func Display(err error) (title, message string) {
	if err == nil || errors.Is(err, ErrUserCancelled) {
		return "", ""
	}

	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Title(), ae.Message
	}
	if errors.Is(err, ErrInvalidInput) {
		return "Missing Information", err.Error()
	}

	var titled interface{ Title() string }
	if errors.As(err, &titled) {
		return titled.Title(), err.Error()
	}
	return "Error", err.Error()
}
