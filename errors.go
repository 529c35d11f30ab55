package memcache

import (
	"errors"
	"fmt"
)

// Sentinel errors every operation may return, in the style of the
// classic Go memcache client's error set — callers switch on these
// with errors.Is rather than matching strings.
var (
	// ErrCacheMiss means the key was not found.
	ErrCacheMiss = errors.New("memcache: cache miss")
	// ErrCASConflict means a Cas call lost the race: the item was
	// modified since its CAS token was read.
	ErrCASConflict = errors.New("memcache: compare-and-swap conflict")
	// ErrNotStored means an Add, Replace, Append, or Prepend could not
	// be satisfied (the precondition for that command failed), or that
	// the codec rejected a value (too large, or not encodable) before
	// it was sent.
	ErrNotStored = errors.New("memcache: item not stored")
	// ErrServerError wraps a server-reported SERVER_ERROR line.
	ErrServerError = errors.New("memcache: server error")
	// ErrNoServers means no configured server could serve a key after
	// exhausting the bounded rehash retries.
	ErrNoServers = errors.New("memcache: no servers configured or available")
	// ErrMalformedKey means a key failed validation before any network
	// I/O was attempted.
	ErrMalformedKey = errors.New("memcache: malformed key")
)

// KeyError reports why a specific key was rejected by validateKey. It
// wraps ErrMalformedKey so callers can match on that sentinel without
// caring about the exact reason.
type KeyError struct {
	Key    string
	Reason string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("memcache: key %q: %s", e.Key, e.Reason)
}

func (e *KeyError) Unwrap() error {
	return ErrMalformedKey
}

// serverError wraps a literal SERVER_ERROR response line.
type serverError struct {
	msg string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("memcache: server error: %s", e.msg)
}

func (e *serverError) Unwrap() error {
	return ErrServerError
}
