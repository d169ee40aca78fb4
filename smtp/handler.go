package smtp

import "time"

// Action is what a policy decision asks the receiver to do.
type Action int

const (
	// ActionAccept continues the conversation, optionally with a custom
	// reply.
	ActionAccept Action = iota
	// ActionReject refuses the command with the decision's reply (4xx or
	// 5xx) and keeps the connection open.
	ActionReject
	// ActionDenyClose refuses the command and closes the connection.
	ActionDenyClose
	// ActionQuarantine accepts the message but flags it for isolation;
	// meaningful at the message stage only.
	ActionQuarantine
)

// Decision is a policy verdict for one protocol stage.
type Decision struct {
	Action Action
	// Reply overrides the receiver's default reply when set. Rejects
	// must set it.
	Reply *Reply
}

// Accept continues with the receiver's default reply.
func Accept() Decision {
	return Decision{Action: ActionAccept}
}

// AcceptReply continues with a custom reply.
func AcceptReply(r Reply) Decision {
	return Decision{Action: ActionAccept, Reply: &r}
}

// Reject refuses the command with the given reply.
func Reject(r Reply) Decision {
	return Decision{Action: ActionReject, Reply: &r}
}

// DenyClose refuses the command and drops the connection.
func DenyClose(r Reply) Decision {
	return Decision{Action: ActionDenyClose, Reply: &r}
}

// Quarantine accepts a message while flagging it for isolation.
func Quarantine() Decision {
	return Decision{Action: ActionQuarantine}
}

// ReceiverContext carries mutable intent between the handler and the
// receiver for the lifetime of one session.
type ReceiverContext struct {
	// RequireTLS demands a TLS session before MAIL FROM is accepted.
	RequireTLS bool
	// RequireAuth demands authentication before MAIL FROM is accepted.
	RequireAuth bool
	// Tarpit is an extra delay injected before each reply, on top of the
	// error-budget slowdown.
	Tarpit time.Duration
	// Quarantined is set by the receiver when the message decision was
	// Quarantine.
	Quarantined bool
}

// HelloArgs is the parsed EHLO/HELO argument.
type HelloArgs struct {
	Name     string
	Extended bool
}

// CredentialValidator checks one authentication attempt. A nil validator
// disables AUTH entirely. identity may be empty when the mechanism does
// not carry an authorization identity.
type CredentialValidator func(identity, username, password string) error

// ReceiverHandler is the policy surface invoked at every protocol stage.
// Hook calls for one session are strictly sequential; a hook returns
// before the next command is read. Shared state behind a handler is the
// handler's concurrency responsibility.
type ReceiverHandler interface {
	// Greeting supplies the 220 banner. A 4xx/5xx reply is sent and the
	// connection is closed without entering the command loop.
	Greeting(ctx *ReceiverContext, s *Session) Reply

	// OnHello is invoked for both HELO and EHLO.
	OnHello(ctx *ReceiverContext, s *Session, hello HelloArgs) Decision

	// OnAuthBegin may refuse an authentication attempt before the
	// exchange starts.
	OnAuthBegin(ctx *ReceiverContext, s *Session, mechanism string) Decision

	// OnAuthEnd observes the outcome of an authentication exchange.
	OnAuthEnd(ctx *ReceiverContext, s *Session, identity string, success bool)

	OnMailFrom(ctx *ReceiverContext, s *Session, args *MailFromArgs) Decision

	OnRcptTo(ctx *ReceiverContext, s *Session, args *RcptToArgs) Decision

	// OnMessage receives the finalized message. On accept it returns the
	// queue identifier embedded in the 250 reply.
	OnMessage(ctx *ReceiverContext, s *Session, msg *Message) (Decision, string)

	OnRset(ctx *ReceiverContext, s *Session) Decision

	OnQuit(ctx *ReceiverContext, s *Session) Decision

	// SASLCallback supplies the credential validator; nil disables AUTH.
	SASLCallback() CredentialValidator
}
