package session

import (
	"encoding/base64"
	"fmt"

	"github.com/etherlab/buddy/internal/sasl"
)

// handleLogin starts a SASL exchange: `LOGIN <base64 initial-response>`.
// The mechanism is the one mechanism configured for the server (spec.md
// §4.3's LOGIN does not negotiate a mechanism name on the wire; a real
// deployment configures exactly one via sasl.mechanism).
func (sess *Session) handleLogin(tokens []string) error {
	if sess.auth != authInit {
		return sess.send(errLine("LOGIN only valid in the initial state"))
	}
	if len(tokens) != 2 {
		return sess.send(errLine("usage: LOGIN <initial-response>"))
	}

	verifier, err := sasl.NewVerifier(sess.server.mechanism, sess.server.credentials)
	if err != nil {
		return sess.failLogin(err)
	}
	sess.verifier = verifier
	sess.auth = authLoginContinue

	return sess.stepLogin(tokens[1])
}

// handleLoginContinue advances an in-progress exchange with the client's
// next response: `LOGIN-CONTINUE <base64 response>`.
func (sess *Session) handleLoginContinue(tokens []string) error {
	if sess.auth != authLoginContinue {
		return sess.send(errLine("LOGIN-CONTINUE without a LOGIN in progress"))
	}
	if len(tokens) != 2 {
		return sess.send(errLine("usage: LOGIN-CONTINUE <response>"))
	}
	return sess.stepLogin(tokens[1])
}

// stepLogin decodes one base64-wrapped SASL response, drives the
// Verifier, and replies per the Init → LoginContinue → {Idle, LoginFail}
// state machine of spec.md §4.3. Opaque SASL bytes are carried
// base64-encoded inside the otherwise line-oriented command channel; this
// is a documented choice, not part of any external contract.
func (sess *Session) stepLogin(encoded string) error {
	response, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return sess.failLogin(fmt.Errorf("session: malformed base64 SASL response: %w", err))
	}

	challenge, done, principal, err := sess.verifier.Step(response)
	if err != nil {
		return sess.failLogin(err)
	}
	if !done {
		return sess.send(okLine("continue " + base64.StdEncoding.EncodeToString(challenge)))
	}

	principal, err = sasl.NormalizePrincipal(principal)
	if err != nil {
		return sess.failLogin(err)
	}

	sess.auth = authIdle
	sess.principal = principal
	sess.isAdmin = principal == "admin"
	sess.writeAccess = sess.isAdmin
	sess.verifier = nil

	reply := "authenticated " + principal
	if len(challenge) > 0 {
		reply += " " + base64.StdEncoding.EncodeToString(challenge)
	}
	return sess.send(okLine(reply))
}

// failLogin reports a terminal SASL failure and closes the session, per
// spec.md §4.3 ("LoginFail (terminal; session closed after reply)").
func (sess *Session) failLogin(cause error) error {
	sess.auth = authLoginFail
	if err := sess.send(errLine(cause.Error())); err != nil {
		return err
	}
	return sess.task.Kill(cause)
}
