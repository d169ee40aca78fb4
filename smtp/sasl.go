package smtp

import (
	"encoding/base64"

	"github.com/emersion/go-sasl"
)

// newSaslServer builds the mechanism driver for one AUTH attempt. The
// validator closure records the authenticated identity on success so the
// receiver can store it in the session.
func (r *Receiver) newSaslServer(mechanism string, validator CredentialValidator) sasl.Server {
	switch mechanism {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if err := validator(identity, username, password); err != nil {
				return err
			}
			if identity == "" {
				identity = username
			}
			r.session.Identity = identity
			return nil
		})
	case sasl.Login:
		return sasl.NewLoginServer(func(username, password string) error {
			if err := validator("", username, password); err != nil {
				return err
			}
			r.session.Identity = username
			return nil
		})
	case sasl.Anonymous:
		return sasl.NewAnonymousServer(func(trace string) error {
			if err := validator("", "", ""); err != nil {
				return err
			}
			r.session.Identity = "anonymous"
			return nil
		})
	}
	return nil
}

func (r *Receiver) mechanismEnabled(mechanism string) bool {
	for _, m := range r.config.AuthMechanisms {
		if m == mechanism {
			return true
		}
	}
	return false
}

// handleAuth drives one SASL exchange to success, failure, or client
// cancellation. The sub-loop is exclusive: no other command is processed
// until it ends, and the session stays in the hello state either way.
func (r *Receiver) handleAuth(cmd ParsedCmd) (bool, error) {
	if r.session.Authenticated {
		return r.reject(NewReply(BadSequence, "5.5.1 Already authenticated"))
	}
	if r.config.AuthRequiresTLS && !r.session.TLS {
		return r.reject(NewReply(EncryptionRequired, "5.7.11 Encryption required for requested authentication mechanism"))
	}
	validator := r.handler.SASLCallback()
	if validator == nil || !r.mechanismEnabled(cmd.AuthMechanism) {
		return r.reject(NewReply(ParamNotImplemented, "5.7.4 Unsupported authentication mechanism"))
	}

	if d := r.handler.OnAuthBegin(r.rctx, r.session, cmd.AuthMechanism); d.Action != ActionAccept {
		reply := NewReply(AuthTempFail, "4.7.0 Authentication refused")
		if d.Reply != nil {
			reply = *d.Reply
		}
		return d.Action == ActionDenyClose, r.send(reply)
	}

	server := r.newSaslServer(cmd.AuthMechanism, validator)

	// An initial response of "=" stands for the empty string
	// (RFC 4954 section 4).
	var response []byte
	if cmd.AuthInitial == "=" {
		response = []byte{}
	} else if cmd.AuthInitial != "" {
		decoded, err := base64.StdEncoding.DecodeString(cmd.AuthInitial)
		if err != nil {
			return r.reject(NewReply(SyntaxErrorParam, "5.5.2 Bad base64"))
		}
		response = decoded
	}

	for {
		challenge, done, err := server.Next(response)
		if err != nil {
			authFailuresTotal.Inc()
			r.handler.OnAuthEnd(r.rctx, r.session, "", false)
			return r.reject(NewReply(AuthInvalid, "5.7.8 Authentication credentials invalid"))
		}
		if done {
			break
		}

		if err := r.wr.SendContinuation(challenge); err != nil {
			return true, err
		}
		r.conn.SetReadDeadline(r.clock.Now().Add(r.config.Timeouts.Command))
		line, err := r.rd.ReadLine(r.config.MaxLineLength)
		if err != nil {
			return r.readError(err)
		}
		if line == "*" {
			r.handler.OnAuthEnd(r.rctx, r.session, "", false)
			return r.reject(NewReply(SyntaxErrorParam, "5.0.0 Authentication cancelled"))
		}
		response, err = base64.StdEncoding.DecodeString(line)
		if err != nil {
			r.handler.OnAuthEnd(r.rctx, r.session, "", false)
			return r.reject(NewReply(SyntaxErrorParam, "5.5.2 Bad base64"))
		}
	}

	r.session.Authenticated = true
	r.handler.OnAuthEnd(r.rctx, r.session, r.session.Identity, true)
	return false, r.send(NewReply(AuthSuccessful, "2.7.0 Authentication successful"))
}
