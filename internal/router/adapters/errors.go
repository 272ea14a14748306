package adapters

import "errors"

// ErrInvalidResponse marks a backend response that lacks a field the
// normalizer needs. Callers map it to a bad-gateway error.
var ErrInvalidResponse = errors.New("invalid provider response")
