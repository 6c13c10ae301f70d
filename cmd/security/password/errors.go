package password

import "errors"

var (
	ErrTooShort    = errors.New("password too short")
	ErrTooLong     = errors.New("password too long")
	ErrTooCommon   = errors.New("password too common")
	ErrInvalidHash = errors.New("invalid password hash")
	ErrConfig      = errors.New("invalid password config")
)
