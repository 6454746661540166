// Package rooms derives canonical room keys. Every path that publishes to a
// room (live sessions, uploads, deletions) uses these keys as the broadcast
// target.
package rooms

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	privatePrefix = "private:"
	groupPrefix   = "group:"
	delimiter     = ":"
)

var ErrInvalidKey = errors.New("invalid room key")

var usernamePattern = regexp.MustCompile(`^[\w.@+-]+$`)

// ValidUsername reports whether name can take part in a private room key.
// The key delimiter is outside the allowed alphabet, so keys never collide.
func ValidUsername(name string) bool {
	return usernamePattern.MatchString(name)
}

// PrivateKey returns the key of the private room between a and b. The result
// does not depend on argument order.
func PrivateKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return privatePrefix + a + delimiter + b
}

// GroupKey returns the key of the group room with the given id.
func GroupKey(id int) string {
	return groupPrefix + strconv.Itoa(id)
}

// ParsePrivateKey returns the two participants encoded in a private key.
func ParsePrivateKey(key string) (string, string, error) {
	rest, ok := strings.CutPrefix(key, privatePrefix)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	a, b, ok := strings.Cut(rest, delimiter)
	if !ok || !ValidUsername(a) || !ValidUsername(b) || a == b {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return a, b, nil
}

// IsPrivateKey reports whether key names a private room.
func IsPrivateKey(key string) bool {
	return strings.HasPrefix(key, privatePrefix)
}

// ParseGroupKey returns the group room id encoded in key.
func ParseGroupKey(key string) (int, error) {
	rest, ok := strings.CutPrefix(key, groupPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	id, err := strconv.Atoi(rest)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return id, nil
}
