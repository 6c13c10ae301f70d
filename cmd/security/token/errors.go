package token

import "errors"

var (
	ErrKeyMissing  = errors.New("token hmac key missing")
	ErrKeyTooShort = errors.New("token hmac key too short")
)
