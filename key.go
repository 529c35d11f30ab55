package memcache

import (
	"strings"

	"github.com/mickamy/memcache/codec"
)

// validateKey enforces the ASCII protocol's key constraints: no
// whitespace or control characters (they would desync the command
// line) and a bounded length. Validation failures are reported as a
// *KeyError before any network I/O, per the original source's
// check_key.
func validateKey(key string) error {
	if key == "" {
		return &KeyError{Key: key, Reason: "key is empty"}
	}
	if len(key) > codec.MaxKeyLength {
		return &KeyError{Key: key, Reason: "key is too long"}
	}
	for _, r := range key {
		if r <= ' ' || r == 0x7f {
			return &KeyError{Key: key, Reason: "key contains whitespace or control characters"}
		}
	}
	return nil
}

// validateKeys validates every key in keys, returning the first
// failure.
func validateKeys(keys []string) error {
	for _, k := range keys {
		if err := validateKey(k); err != nil {
			return err
		}
	}
	return nil
}

func joinKeys(keys []string) string {
	return strings.Join(keys, " ")
}
