package types

import "errors"

// ErrStorageUnavailable is returned when the durable medium cannot be opened
// or written (quota exhausted, corrupted schema).
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrNotFound is returned when a referenced record or cache entry does not exist.
var ErrNotFound = errors.New("not found")

// ErrNetworkFailure is returned when a request could not reach the network.
var ErrNetworkFailure = errors.New("network failure")

// ErrMalformedPayload is returned for push payloads or import files that
// cannot be decoded.
var ErrMalformedPayload = errors.New("malformed payload")

// ErrTimeout is returned when a bridge call is not answered in time.
var ErrTimeout = errors.New("bridge call timed out")
