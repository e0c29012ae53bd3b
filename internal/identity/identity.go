// Package identity defines the peer identity format used throughout the
// overlay: "name@namespace", both non-empty and at most 64 bytes.
package identity

import (
	"errors"
	"strings"
)

const maxPartLen = 64

// ErrInvalid is returned by Parse when a string is not a well-formed identity.
var ErrInvalid = errors.New("identity: malformed name@namespace")

// ID is a validated "name@namespace" identity. The zero value is invalid;
// always construct via Parse or New.
type ID struct {
	Name      string
	Namespace string
}

// New builds an ID from already-known parts, validating each.
func New(name, namespace string) (ID, error) {
	if !validPart(name) || !validPart(namespace) {
		return ID{}, ErrInvalid
	}
	return ID{Name: name, Namespace: namespace}, nil
}

// Parse splits "name@namespace" and validates both parts.
func Parse(s string) (ID, error) {
	at := strings.IndexByte(s, '@')
	if at < 0 {
		return ID{}, ErrInvalid
	}
	return New(s[:at], s[at+1:])
}

// String renders "name@namespace".
func (id ID) String() string {
	return id.Name + "@" + id.Namespace
}

// IsZero reports whether id is the unset zero value.
func (id ID) IsZero() bool {
	return id.Name == "" && id.Namespace == ""
}

func validPart(s string) bool {
	return s != "" && len(s) <= maxPartLen && !strings.ContainsAny(s, "@ \t\n")
}
