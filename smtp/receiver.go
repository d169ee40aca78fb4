package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// States of the SMTP conversation, maskable so the command table can name
// several valid states at once.
type conState int

const (
	sGreeted conState = 1 << iota
	sHello
	sMail
	sRcpt
)

// A verb not in the states map is valid in every state.
var states = map[Verb]struct {
	validin, next conState
}{
	HELO:     {sGreeted | sHello, sHello},
	EHLO:     {sGreeted | sHello, sHello},
	MAILFROM: {sHello, sMail},
	RCPTTO:   {sMail | sRcpt, sRcpt},
	DATA:     {sRcpt, sHello},
	STARTTLS: {sHello, sGreeted},
	AUTH:     {sHello, sHello},
}

// Receiver drives one SMTP conversation: it owns the connection, the
// session context, and the command loop, and invokes the ReceiverHandler
// at every protocol transition. Exactly one reply is emitted per client
// command, except during DATA transfer and SASL 334 continuations.
type Receiver struct {
	conn      net.Conn
	rd        *Reader
	wr        *Writer
	config    Config
	tlsConfig *tls.Config
	handler   ReceiverHandler
	clock     Clock
	log       *log.Entry

	session *Session
	rctx    *ReceiverContext
	state   conState
	errors  int
}

// NewReceiver builds a receiver for an accepted connection. The config is
// assumed validated; zero fields get their defaults.
func NewReceiver(conn net.Conn, kind ConnectionKind, config Config, tlsConfig *tls.Config, handler ReceiverHandler, clock Clock, logger *log.Entry) *Receiver {
	config = config.withDefaults()
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	session := &Session{
		Kind:       kind,
		ClientAddr: conn.RemoteAddr(),
		ServerAddr: conn.LocalAddr(),
		ServerName: config.Hostname,
		Start:      clock.Now(),
	}
	return &Receiver{
		conn:    conn,
		rd:      NewReader(conn, config.ReaderBufferSize, config.LaxLineEndings),
		wr:      NewWriter(conn, config.Timeouts.Command),
		config:  config,
		tlsConfig: tlsConfig,
		handler: handler,
		clock:   clock,
		log:     logger,
		session: session,
		rctx:    &ReceiverContext{},
	}
}

// Session exposes the session context, mainly for tests and logging.
func (r *Receiver) Session() *Session {
	return r.session
}

// Serve runs the conversation until QUIT, a terminal error, or ctx
// cancellation. Cancellation between commands yields a 421 before close.
func (r *Receiver) Serve(ctx context.Context) error {
	defer r.conn.Close()

	if r.session.Kind == Tunneled {
		if err := r.tunnelHandshake(); err != nil {
			r.log.WithField("err", err).Info("tls tunnel handshake failed")
			return err
		}
	}

	greeting := r.handler.Greeting(r.rctx, r.session)
	if err := r.send(greeting); err != nil {
		return err
	}
	if greeting.Status >= 400 {
		return nil
	}
	r.state = sGreeted

	for {
		if ctx.Err() != nil {
			r.send(NewReply(ShuttingDown, fmt.Sprintf("4.3.0 %s Service shutting down", r.config.Hostname)))
			return nil
		}
		done, err := r.serveCmd(ctx)
		if done || err != nil {
			return err
		}
	}
}

func (r *Receiver) serveCmd(ctx context.Context) (bool, error) {
	r.conn.SetReadDeadline(r.clock.Now().Add(r.config.Timeouts.Command))

	line, err := r.rd.ReadLine(r.config.MaxLineLength)
	if err != nil {
		return r.readError(err)
	}

	cmd := ParseCmd(line)
	if cmd.Verb == BadVerb {
		return r.reject(NewReply(SyntaxError, "5.5.2 Command unrecognized"))
	}

	// Sequence before syntax: a MAIL FROM out of place is 503 even when
	// its arguments are also garbled.
	if t, gated := states[cmd.Verb]; gated && t.validin&r.state == 0 {
		return r.reject(NewReply(BadSequence, "5.5.1 Bad sequence of commands"))
	}

	if cmd.Err != nil {
		return r.reject(NewReply(cmd.Err.Status(), "5.5.4 "+cmd.Err.Error()))
	}

	switch cmd.Verb {
	case NOOP:
		return false, r.send(NewReply(Ok, "2.0.0 Ok"))
	case HELP:
		return false, r.send(NewReply(Help, "2.0.0 Supported: EHLO HELO MAIL RCPT DATA RSET NOOP QUIT VRFY STARTTLS AUTH"))
	case VRFY:
		return false, r.send(NewReply(CannotVerify, "2.0.0 Cannot VRFY user, but will accept message and attempt delivery"))
	case QUIT:
		return r.handleQuit()
	case RSET:
		return r.handleRset()
	case HELO, EHLO:
		return r.handleHello(cmd)
	case MAILFROM:
		return r.handleMailFrom(cmd)
	case RCPTTO:
		return r.handleRcptTo(cmd)
	case DATA:
		return r.handleData(ctx)
	case STARTTLS:
		return r.handleStartTls()
	case AUTH:
		return r.handleAuth(cmd)
	}
	return r.reject(NewReply(NotImplemented, "5.5.1 Command not implemented"))
}

// readError converts a failed line read into a reply or a terminal error.
func (r *Receiver) readError(err error) (bool, error) {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		timeoutsTotal.Inc()
		r.send(NewReply(ShuttingDown, fmt.Sprintf("4.4.2 %s Timeout exceeded", r.config.Hostname)))
		return true, nil
	}
	switch err {
	case ErrLtl:
		return r.reject(NewReply(SyntaxError, "5.5.2 Line too long"))
	case ErrBadFraming:
		return r.reject(NewReply(SyntaxError, "5.5.2 Bad line framing"))
	}
	return true, err
}

// reject sends a failure reply and charges the error budget.
func (r *Receiver) reject(reply Reply) (bool, error) {
	if err := r.send(reply); err != nil {
		return true, err
	}
	r.errors++
	if r.errors >= r.config.HardErrorLimit {
		r.send(NewReply(ShuttingDown, "4.7.0 Too many errors"))
		return true, nil
	}
	if r.errors >= r.config.SoftErrorLimit {
		time.Sleep(r.config.TarpitDelay)
	}
	return false, nil
}

func (r *Receiver) send(reply Reply) error {
	if r.rctx.Tarpit > 0 {
		time.Sleep(r.rctx.Tarpit)
	}
	return r.wr.SendReply(reply)
}

// decide applies a handler decision. It reports whether the stage was
// accepted and whether the connection must close.
func (r *Receiver) decide(d Decision, def Reply) (accepted, done bool, err error) {
	switch d.Action {
	case ActionAccept, ActionQuarantine:
		reply := def
		if d.Reply != nil {
			reply = *d.Reply
		}
		if d.Action == ActionQuarantine {
			r.rctx.Quarantined = true
		}
		return true, false, r.send(reply)
	case ActionDenyClose:
		reply := NewReply(NoValidRecipients, "5.7.1 Connection refused")
		if d.Reply != nil {
			reply = *d.Reply
		}
		return false, true, r.send(reply)
	default:
		// Policy rejections do not count toward the error budget; the
		// budget tracks protocol misuse, not policy outcomes.
		reply := NewReply(InsufficientStorage, "4.3.0 Rejected by policy")
		if d.Reply != nil {
			reply = *d.Reply
		}
		return false, false, r.send(reply)
	}
}

func (r *Receiver) handleQuit() (bool, error) {
	d := r.handler.OnQuit(r.rctx, r.session)
	reply := NewReply(Closing, "2.0.0 Bye")
	if d.Reply != nil {
		reply = *d.Reply
	}
	r.send(reply)
	return true, nil
}

func (r *Receiver) handleRset() (bool, error) {
	d := r.handler.OnRset(r.rctx, r.session)
	r.session.Envelope = nil
	if r.state != sGreeted {
		r.state = sHello
	}
	reply := NewReply(Ok, "2.0.0 Ok")
	if d.Reply != nil {
		reply = *d.Reply
	}
	return false, r.send(reply)
}

func (r *Receiver) handleHello(cmd ParsedCmd) (bool, error) {
	hello := HelloArgs{Name: cmd.HelloName, Extended: cmd.Verb == EHLO}
	accepted, done, err := r.decideHello(hello)
	if !accepted || err != nil {
		return done, err
	}
	r.session.HelloName = hello.Name
	r.session.ExtendedHello = hello.Extended
	r.session.Envelope = nil
	r.state = sHello
	return false, nil
}

func (r *Receiver) decideHello(hello HelloArgs) (accepted, done bool, err error) {
	def := NewReply(Ok, r.config.Hostname)
	if hello.Extended {
		def = NewReply(Ok, r.ehloLines()...)
	}
	return r.decide(r.handler.OnHello(r.rctx, r.session, hello), def)
}

// ehloLines is the advertised extension set: identity first, STARTTLS
// last when present.
func (r *Receiver) ehloLines() []string {
	lines := []string{r.config.Hostname, "PIPELINING"}
	if r.config.MaxMessageSize > 0 {
		lines = append(lines, fmt.Sprintf("SIZE %d", r.config.MaxMessageSize))
	} else {
		lines = append(lines, "SIZE")
	}
	lines = append(lines, "8BITMIME", "DSN", "ENHANCEDSTATUSCODES")
	if r.config.EnableSMTPUTF8 {
		lines = append(lines, "SMTPUTF8")
	}
	if r.authAvailable() {
		auth := "AUTH"
		for _, mech := range r.config.AuthMechanisms {
			auth += " " + mech
		}
		lines = append(lines, auth)
	}
	if r.tlsConfig != nil && !r.session.TLS {
		lines = append(lines, "STARTTLS")
	}
	return lines
}

func (r *Receiver) authAvailable() bool {
	if len(r.config.AuthMechanisms) == 0 || r.handler.SASLCallback() == nil {
		return false
	}
	if r.config.AuthRequiresTLS && !r.session.TLS {
		return false
	}
	return true
}

func (r *Receiver) handleMailFrom(cmd ParsedCmd) (bool, error) {
	if r.rctx.RequireTLS && !r.session.TLS {
		return r.reject(NewReply(AuthRequired, "5.7.0 Must issue a STARTTLS command first"))
	}
	if r.rctx.RequireAuth && !r.session.Authenticated {
		return r.reject(NewReply(AuthRequired, "5.7.0 Authentication required"))
	}

	args := cmd.MailFrom
	if args.Body == BodyBinaryMime {
		return r.reject(NewReply(ParamNotImplemented, "5.5.4 BINARYMIME requires CHUNKING, which is not offered"))
	}
	if r.config.MaxMessageSize > 0 && args.HasSize && args.Size > r.config.MaxMessageSize {
		return r.reject(NewReply(AbortMail, "5.3.4 Message size exceeds fixed maximum"))
	}
	if args.HasAuth && !r.session.Authenticated {
		// RFC 4954 section 5: an unauthenticated client's AUTH=
		// parameter is not trusted and becomes the null identity.
		args.Auth = "<>"
	}

	accepted, done, err := r.decide(r.handler.OnMailFrom(r.rctx, r.session, args), NewReply(Ok, "2.1.0 Ok"))
	if !accepted || err != nil {
		return done, err
	}
	r.session.Envelope = &Envelope{From: *args}
	r.state = sMail
	return false, nil
}

func (r *Receiver) handleRcptTo(cmd ParsedCmd) (bool, error) {
	env := r.session.Envelope
	if len(env.Recipients) >= r.config.MaxRecipients {
		return r.reject(NewReply(InsufficientStorage, "4.5.3 Too many recipients"))
	}

	args := cmd.RcptTo
	accepted, done, err := r.decide(r.handler.OnRcptTo(r.rctx, r.session, args), NewReply(Ok, "2.1.5 Ok"))
	if !accepted || err != nil {
		return done, err
	}
	env.Recipients = append(env.Recipients, Recipient{
		Address:      args.ForwardPath,
		Notify:       args.Notify,
		OriginalRcpt: args.OriginalRcpt,
	})
	r.state = sRcpt
	return false, nil
}

func (r *Receiver) handleData(ctx context.Context) (bool, error) {
	if err := r.send(NewReply(StartData, "Start mail input; end with <CRLF>.<CRLF>")); err != nil {
		return true, err
	}

	maxSize := r.config.MaxMessageSize

	// Each line gets the block timeout; the whole body, terminator
	// included, never outlives the termination window.
	hardEnd := r.clock.Now().Add(r.config.Timeouts.DataTermination)
	refresh := func() {
		deadline := r.clock.Now().Add(r.config.Timeouts.DataBlock)
		if deadline.After(hardEnd) {
			deadline = hardEnd
		}
		r.conn.SetReadDeadline(deadline)
	}
	msg, err := r.rd.ReadDataBlock(maxSize, r.config.MaxInMemoryMessageSize, refresh)
	if err == ErrMessageTooLarge {
		// The block was drained to its terminator; the conversation is
		// still synchronized.
		r.session.Envelope = nil
		r.state = sHello
		return r.reject(NewReply(AbortMail, "5.3.4 Message size exceeds fixed maximum"))
	}
	if err != nil {
		return r.readError(err)
	}

	if ctx.Err() != nil {
		r.send(NewReply(ShuttingDown, fmt.Sprintf("4.3.0 %s Service shutting down", r.config.Hostname)))
		return true, nil
	}

	decision, queueID := r.handler.OnMessage(r.rctx, r.session, msg)
	def := NewReply(Ok, "2.0.0 Ok: queued as "+queueID)
	accepted, done, err := r.decide(decision, def)
	if accepted {
		messagesQueuedTotal.Inc()
	}
	r.session.Envelope = nil
	r.state = sHello
	return done, err
}

func (r *Receiver) handleStartTls() (bool, error) {
	if r.tlsConfig == nil || r.session.TLS {
		return r.reject(NewReply(NotImplemented, "5.5.1 TLS not available"))
	}
	if r.rd.Buffered() > 0 {
		// Plaintext pipelined across the upgrade boundary.
		r.send(NewReply(NoValidRecipients, "5.5.1 TLS command injection"))
		return true, nil
	}
	if err := r.send(NewReply(Ready, "Ready to start TLS")); err != nil {
		return true, err
	}

	r.conn.SetDeadline(r.clock.Now().Add(r.config.Timeouts.Command))
	tlsConn := tls.Server(r.conn, r.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		r.log.WithField("err", err).Info("starttls handshake failed")
		return true, nil
	}
	r.conn.SetDeadline(time.Time{})

	if err := r.rd.Upgrade(tlsConn); err != nil {
		r.send(NewReply(NoValidRecipients, "5.5.1 TLS command injection"))
		return true, nil
	}
	r.conn = tlsConn
	r.wr.Upgrade(tlsConn)
	tlsUpgradesTotal.Inc()

	// RFC 3207: back to the state just after the greeting banner. Any
	// knowledge obtained from the client before the handshake is void.
	r.session.TLS = true
	r.session.HelloName = ""
	r.session.ExtendedHello = false
	r.session.Authenticated = false
	r.session.Identity = ""
	r.session.Envelope = nil
	r.state = sGreeted
	return false, nil
}

func (r *Receiver) tunnelHandshake() error {
	if r.tlsConfig == nil {
		return fmt.Errorf("tunneled listener without tls configuration")
	}
	r.conn.SetDeadline(r.clock.Now().Add(r.config.Timeouts.Greeting))
	tlsConn := tls.Server(r.conn, r.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	r.conn.SetDeadline(time.Time{})
	r.conn = tlsConn
	r.rd = NewReader(tlsConn, r.config.ReaderBufferSize, r.config.LaxLineEndings)
	r.wr.Upgrade(tlsConn)
	r.session.TLS = true
	return nil
}
