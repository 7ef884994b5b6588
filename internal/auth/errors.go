package auth

import "errors"

var (
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrForbidden indicates the scope lacks a required role.
	ErrForbidden = errors.New("auth: forbidden")
)
