package smtp

import (
	"net"
	"time"
)

// ConnectionKind tells how a connection reached the server.
type ConnectionKind int

const (
	// Relay accepts transfers from other MTAs.
	Relay ConnectionKind = iota
	// Submission accepts mail from user agents, normally authenticated.
	Submission
	// Tunneled is submission wrapped in TLS from the first byte.
	Tunneled
)

func (k ConnectionKind) String() string {
	switch k {
	case Relay:
		return "relay"
	case Submission:
		return "submission"
	case Tunneled:
		return "tunneled"
	default:
		return "unknown"
	}
}

// Recipient is one accepted RCPT TO together with its DSN parameters.
type Recipient struct {
	Address      MailAddress
	Notify       *NotifySet
	OriginalRcpt *OriginalRecipient
}

// Envelope is the reverse-path and forward-paths of one mail transaction.
// It exists only between an accepted MAIL FROM and the end of DATA (or a
// RSET / QUIT / fresh EHLO).
type Envelope struct {
	From       MailFromArgs
	Recipients []Recipient
}

// Session is the per-connection context. One is created on accept and
// destroyed when the connection closes.
type Session struct {
	ID         string
	Kind       ConnectionKind
	ClientAddr net.Addr
	ServerAddr net.Addr
	ServerName string
	Start      time.Time

	// HelloName is empty until EHLO/HELO. RSET keeps it; a fresh EHLO
	// replaces it; STARTTLS clears it.
	HelloName     string
	ExtendedHello bool

	TLS           bool
	Authenticated bool
	Identity      string

	Envelope *Envelope
}

// ClientIP returns the remote IP when the transport is TCP.
func (s *Session) ClientIP() net.IP {
	if addr, ok := s.ClientAddr.(*net.TCPAddr); ok {
		return addr.IP
	}
	return nil
}

// Clock provides the time source so message stamping stays deterministic
// under test.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}
