// Package auth implements the core's shared-secret access check: a single
// random (or configured) token that must appear anywhere in a request's
// head, and is stripped from the path before dispatch when it leads it.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/wrpc/wrpc/pkg/constants"
)

// Secret is a worker's access token.
type Secret string

// NewSecret generates a fresh URL-safe secret from at least
// constants.MinSecretBytes of crypto/rand entropy (144 bits by default).
func NewSecret() (Secret, error) {
	buf := make([]byte, constants.MinSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return Secret(base64.RawURLEncoding.EncodeToString(buf)), nil
}

// FixedSecret wraps an operator-configured token verbatim.
func FixedSecret(s string) Secret { return Secret(s) }

// Check reports whether s appears anywhere in raw head bytes (the request
// line plus headers), matching the permissive scheme spec'd for this
// authenticator: presence anywhere in the head is sufficient, not strictly
// as the path prefix.
func (s Secret) Check(head string) bool {
	if s == "" {
		return false
	}
	return strings.Contains(head, string(s))
}

// StripPrefix removes a leading "/<prefix>/<secret>" (prefix may be empty)
// from path, returning the remainder and whether it matched exactly at the
// front. A non-matching path is returned unchanged with ok=false; dispatch
// still proceeds using Check's result for the authed flag.
func (s Secret) StripPrefix(path, urlPrefix string) (rest string, ok bool) {
	want := "/"
	if urlPrefix != "" {
		want += strings.Trim(urlPrefix, "/") + "/"
	}
	want += string(s)

	if path == want {
		return "/", true
	}
	if strings.HasPrefix(path, want+"/") {
		return path[len(want):], true
	}
	return path, false
}
