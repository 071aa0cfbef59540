package sasl

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

type scramState int

const (
	scramAwaitClientFirst scramState = iota
	scramAwaitClientFinal
	scramDone
)

// scramIterations is the PBKDF2 work factor applied to the dev/test
// credential store's plaintext password on each conversation.
const scramIterations = 4096

// scramVerifier implements a server-side SCRAM-SHA-256 (RFC 5802)
// conversation, channel-binding-agnostic (gs2 header "n,," only).
type scramVerifier struct {
	store CredentialStore
	state scramState

	principal   string
	serverNonce string
	saltedPass  []byte
	authMessage string
}

func (v *scramVerifier) Mechanism() string { return "SCRAM-SHA-256" }

func (v *scramVerifier) Step(response []byte) ([]byte, bool, string, error) {
	switch v.state {
	case scramAwaitClientFirst:
		return v.stepClientFirst(response)
	case scramAwaitClientFinal:
		return v.stepClientFinal(response)
	default:
		return nil, true, "", fmt.Errorf("sasl: SCRAM conversation already finished")
	}
}

func (v *scramVerifier) stepClientFirst(response []byte) ([]byte, bool, string, error) {
	fields := parseSCRAMFields(string(response))
	user, ok := fields["n"]
	if !ok {
		return nil, true, "", fmt.Errorf("sasl: SCRAM client-first missing username")
	}
	clientNonce, ok := fields["r"]
	if !ok {
		return nil, true, "", fmt.Errorf("sasl: SCRAM client-first missing nonce")
	}

	principal, err := NormalizePrincipal(user)
	if err != nil {
		return nil, true, "", err
	}
	password, ok := v.store.Lookup(principal)
	if !ok {
		return nil, true, "", fmt.Errorf("sasl: unknown principal %q", principal)
	}

	salt := derivePrincipalSalt(principal)
	v.principal = principal
	v.serverNonce = clientNonce + randomNonce()
	v.saltedPass = pbkdf2.Key([]byte(password), salt, scramIterations, sha256.Size, sha256.New)

	serverFirst := fmt.Sprintf("r=%s,s=%s,i=%d", v.serverNonce, base64.StdEncoding.EncodeToString(salt), scramIterations)
	v.authMessage = fmt.Sprintf("n=%s,r=%s,%s", user, clientNonce, serverFirst)
	v.state = scramAwaitClientFinal
	return []byte(serverFirst), false, "", nil
}

func (v *scramVerifier) stepClientFinal(response []byte) ([]byte, bool, string, error) {
	defer func() { v.state = scramDone }()

	fields := parseSCRAMFields(string(response))
	channelBinding, ok := fields["c"]
	if !ok {
		return nil, true, "", fmt.Errorf("sasl: SCRAM client-final missing channel binding")
	}
	nonce, ok := fields["r"]
	if !ok || nonce != v.serverNonce {
		return nil, true, "", fmt.Errorf("sasl: SCRAM nonce mismatch")
	}
	proofB64, ok := fields["p"]
	if !ok {
		return nil, true, "", fmt.Errorf("sasl: SCRAM client-final missing proof")
	}
	proof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return nil, true, "", fmt.Errorf("sasl: decoding SCRAM proof: %w", err)
	}

	authMessage := v.authMessage + ",c=" + channelBinding + ",r=" + nonce
	clientKey := hmacSum(v.saltedPass, "Client Key")
	storedKey := sha256.Sum256(clientKey)
	clientSignature := hmacSum(storedKey[:], authMessage)
	computedKey := xorBytes(clientKey, clientSignature)

	if subtle.ConstantTimeCompare(computedKey, proof) != 1 {
		return nil, true, "", fmt.Errorf("sasl: SCRAM authentication failed for %q", v.principal)
	}

	serverKey := hmacSum(v.saltedPass, "Server Key")
	serverSignature := hmacSum(serverKey, authMessage)
	serverFinal := "v=" + base64.StdEncoding.EncodeToString(serverSignature)
	return []byte(serverFinal), true, v.principal, nil
}
