// Package sasl implements the dev/test side of the SASL contract spec.md
// §1 deliberately leaves external: opaque challenge/response bytes in,
// an authenticated principal or error out. A production deployment wires
// a real SASL library behind the same Verifier interface; this package
// gives LOGIN something to drive in tests and in the reference server.
package sasl

import (
	"fmt"
	"strings"

	"golang.org/x/text/secure/precis"
)

// Verifier drives one server-side SASL conversation. Step is called once
// per client response; it returns either a further challenge (done=false)
// or the authenticated principal (done=true, err=nil), or a terminal
// failure (done=true, err!=nil) — matching the Init → LoginContinue →
// {Idle, LoginFail} state machine of spec.md §4.3 one-for-one.
type Verifier interface {
	Mechanism() string
	Step(response []byte) (challenge []byte, done bool, principal string, err error)
}

// CredentialStore resolves a normalized principal to its stored secret.
// The production shape stores SCRAM quantities (salt, iterations, stored
// key) rather than a plaintext password; this dev/test store keeps the
// password and derives those quantities per conversation.
type CredentialStore interface {
	Lookup(principal string) (password string, ok bool)
}

// MapCredentialStore is a CredentialStore backed by config's
// sasl.credentials map, keyed by already-normalized principal.
type MapCredentialStore map[string]string

func (m MapCredentialStore) Lookup(principal string) (string, bool) {
	p, ok := m[principal]
	return p, ok
}

// NormalizePrincipal applies the PRECIS UsernameCaseMapped profile so
// "Admin" and "admin" collide the same way a production SASL library
// would normalize them before credential lookup.
func NormalizePrincipal(raw string) (string, error) {
	out, err := precis.UsernameCaseMapped.String(raw)
	if err != nil {
		return "", fmt.Errorf("sasl: normalizing principal %q: %w", raw, err)
	}
	return out, nil
}

// NewVerifier builds the Verifier for a configured mechanism name
// (sasl.mechanism in config). Mechanism names are matched case-insensitively.
func NewVerifier(mechanism string, store CredentialStore) (Verifier, error) {
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		return &plainVerifier{store: store}, nil
	case "SCRAM-SHA-256":
		return &scramVerifier{store: store, state: scramAwaitClientFirst}, nil
	default:
		return nil, fmt.Errorf("sasl: unknown mechanism %q", mechanism)
	}
}
