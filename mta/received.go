package mta

import (
	"fmt"
	"time"

	"github.com/squarebrakets/vSMTP/smtp"
)

// Received prepends the RFC 5321 section 4.1.1.4 trace header. The FROM
// clause carries the hello name as presented and the address literal of
// the TCP peer.
type Received struct {
	Hostname string
	Clock    smtp.Clock
}

func NewReceived(hostname string) *Received {
	return &Received{Hostname: hostname, Clock: smtp.SystemClock}
}

func (h *Received) Handle(state *MailState) error {
	clock := h.Clock
	if clock == nil {
		clock = smtp.SystemClock
	}

	with := "SMTP"
	if state.Session.ExtendedHello {
		with = "ESMTP"
		if state.Session.TLS {
			with = "ESMTPS"
		}
		if state.Session.Authenticated {
			with += "A"
		}
	}

	value := fmt.Sprintf("from %s ([%s])\r\n\tby %s with %s id %s;\r\n\t%s",
		state.Session.HelloName,
		state.Session.ClientIP(),
		h.Hostname,
		with,
		state.QueueID,
		clock.Now().Format(time.RFC1123Z),
	)
	state.PrependHeader("Received", value)
	return nil
}
