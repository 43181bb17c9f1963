package idp

import (
	"github.com/shadowlink/shadowlink-go/pkg/customauth"
)

// Error types reported by the provider.
const (
	TypeUsernameExists   = customauth.TypeUsernameExists
	TypeUserNotFound     = "UserNotFoundException"
	TypeNotAuthorized    = "NotAuthorizedException"
	TypeInvalidParameter = "InvalidParameterException"
	TypeInvalidPassword  = "InvalidPasswordException"
)

func authError(typ, msg string) *customauth.AuthError {
	return &customauth.AuthError{Type: typ, Message: msg}
}
