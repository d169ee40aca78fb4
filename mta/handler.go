// Package mta is the default ReceiverHandler: it stamps trace headers,
// runs policy checks, and hands accepted messages to a delivery agent.
// The receiver core stays policy-free; everything opinionated lives here.
package mta

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/squarebrakets/vSMTP/smtp"
	"github.com/squarebrakets/vSMTP/user"
)

// MailState is the mutable view of one accepted message as it moves
// through the handler chain. Header mutations are queued and applied
// atomically at handoff, never in place.
type MailState struct {
	Session *smtp.Session
	Message *smtp.Message
	QueueID string

	prepends [][2]string
}

// PrependHeader queues a header to be placed before the received message
// headers when the final bytes are assembled.
func (s *MailState) PrependHeader(name, value string) {
	s.prepends = append(s.prepends, [2]string{name, value})
}

// FinalBytes assembles the message as it will be persisted: queued
// prepends first, newest on top, then the verbatim received bytes.
func (s *MailState) FinalBytes() []byte {
	var b bytes.Buffer
	for i := len(s.prepends) - 1; i >= 0; i-- {
		b.WriteString(s.prepends[i][0])
		b.WriteString(": ")
		b.WriteString(s.prepends[i][1])
		b.WriteString("\r\n")
	}
	b.Write(s.Message.Raw)
	return b.Bytes()
}

// MessageHandler is one link of the message-stage chain.
type MessageHandler interface {
	Handle(state *MailState) error
}

// Deliverer takes the final message bytes. Delivery failure turns into a
// transient reject so the client retries.
type Deliverer interface {
	Deliver(state *MailState, final []byte) error
}

// Mta implements smtp.ReceiverHandler with a chain of message handlers
// and an optional deliverer and user database.
type Mta struct {
	hostname string
	users    *user.UserDB
	chain    []MessageHandler
	deliver  Deliverer
}

// New builds the handler. users may be nil (disables AUTH); deliver may
// be nil (accept and drop, useful in tests).
func New(hostname string, users *user.UserDB, deliver Deliverer, chain ...MessageHandler) *Mta {
	return &Mta{
		hostname: hostname,
		users:    users,
		chain:    chain,
		deliver:  deliver,
	}
}

func (m *Mta) Greeting(ctx *smtp.ReceiverContext, s *smtp.Session) smtp.Reply {
	if s.Kind == smtp.Submission || s.Kind == smtp.Tunneled {
		ctx.RequireAuth = true
	}
	return smtp.NewReply(smtp.Ready, fmt.Sprintf("%s Service ready", s.ServerName))
}

func (m *Mta) OnHello(ctx *smtp.ReceiverContext, s *smtp.Session, hello smtp.HelloArgs) smtp.Decision {
	log.WithFields(log.Fields{
		"session": s.ID,
		"hello":   hello.Name,
	}).Debug("hello")
	return smtp.Accept()
}

func (m *Mta) OnAuthBegin(ctx *smtp.ReceiverContext, s *smtp.Session, mechanism string) smtp.Decision {
	return smtp.Accept()
}

func (m *Mta) OnAuthEnd(ctx *smtp.ReceiverContext, s *smtp.Session, identity string, success bool) {
	log.WithFields(log.Fields{
		"session":  s.ID,
		"identity": identity,
		"success":  success,
	}).Info("authentication finished")
}

func (m *Mta) OnMailFrom(ctx *smtp.ReceiverContext, s *smtp.Session, args *smtp.MailFromArgs) smtp.Decision {
	return smtp.Accept()
}

func (m *Mta) OnRcptTo(ctx *smtp.ReceiverContext, s *smtp.Session, args *smtp.RcptToArgs) smtp.Decision {
	return smtp.Accept()
}

func (m *Mta) OnMessage(ctx *smtp.ReceiverContext, s *smtp.Session, msg *smtp.Message) (smtp.Decision, string) {
	state := &MailState{
		Session: s,
		Message: msg,
		QueueID: uuid.New().String(),
	}

	for _, h := range m.chain {
		if err := h.Handle(state); err != nil {
			log.WithFields(log.Fields{
				"session": s.ID,
				"queue":   state.QueueID,
				"err":     err,
			}).Warn("message handler failed")
			return smtp.Reject(smtp.NewReply(smtp.InsufficientStorage, "4.3.0 Temporary processing failure")), ""
		}
	}

	if m.deliver != nil {
		if err := m.deliver.Deliver(state, state.FinalBytes()); err != nil {
			log.WithFields(log.Fields{
				"session": s.ID,
				"queue":   state.QueueID,
				"err":     err,
			}).Error("delivery failed")
			return smtp.Reject(smtp.NewReply(smtp.InsufficientStorage, "4.3.1 Insufficient storage")), ""
		}
	}

	log.WithFields(log.Fields{
		"session": s.ID,
		"queue":   state.QueueID,
		"size":    len(msg.Raw),
	}).Info("message queued")
	return smtp.Accept(), state.QueueID
}

func (m *Mta) OnRset(ctx *smtp.ReceiverContext, s *smtp.Session) smtp.Decision {
	return smtp.Accept()
}

func (m *Mta) OnQuit(ctx *smtp.ReceiverContext, s *smtp.Session) smtp.Decision {
	return smtp.Accept()
}

func (m *Mta) SASLCallback() smtp.CredentialValidator {
	if m.users == nil {
		return nil
	}
	return func(identity, username, password string) error {
		u, err := m.users.Get(username)
		if err != nil {
			return err
		}
		if !u.CheckPassword(password) {
			return errors.New("invalid credentials")
		}
		return nil
	}
}
