package sasl

import (
	"bytes"
	"crypto/subtle"
	"fmt"
)

// plainVerifier implements RFC 4616 SASL PLAIN: a single client message
// "authzid\x00authcid\x00passwd" authenticates or fails in one step.
type plainVerifier struct {
	store CredentialStore
}

func (v *plainVerifier) Mechanism() string { return "PLAIN" }

func (v *plainVerifier) Step(response []byte) ([]byte, bool, string, error) {
	parts := bytes.SplitN(response, []byte{0}, 3)
	if len(parts) != 3 {
		return nil, true, "", fmt.Errorf("sasl: malformed PLAIN message")
	}
	authcid, passwd := string(parts[1]), string(parts[2])

	principal, err := NormalizePrincipal(authcid)
	if err != nil {
		return nil, true, "", err
	}

	want, ok := v.store.Lookup(principal)
	if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(passwd)) != 1 {
		return nil, true, "", fmt.Errorf("sasl: PLAIN authentication failed for %q", principal)
	}
	return nil, true, principal, nil
}
