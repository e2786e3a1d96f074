package provider

import "errors"

var (
	ErrUnauthorized = errors.New("provider rejected credentials")
	ErrRateLimited  = errors.New("provider rate limit hit")
	ErrTimeout      = errors.New("provider call timed out")
	ErrBadResponse  = errors.New("provider returned a malformed response")
)
