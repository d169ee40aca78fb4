package mta

import (
	"fmt"

	"github.com/gopistolet/gospf"
	"github.com/gopistolet/gospf/dns"

	log "github.com/sirupsen/logrus"
)

// SPF evaluates the sender policy of the reverse-path domain and records
// the verdict as a Received-SPF header. It never rejects: the verdict is
// advisory and downstream filters act on the header.
type SPF struct{}

func (h *SPF) Handle(state *MailState) error {
	env := state.Session.Envelope
	if env == nil || env.From.ReversePath == nil {
		// Null sender; nothing to evaluate.
		return nil
	}

	domain := env.From.ReversePath.Domain
	ip := state.Session.ClientIP()

	spf, err := gospf.New(domain, &dns.GoSPFDNS{})
	if err != nil {
		log.WithFields(log.Fields{
			"session": state.Session.ID,
			"domain":  domain,
			"err":     err,
		}).Debug("no spf policy")
		state.PrependHeader("Received-SPF", fmt.Sprintf("None (domain of %s does not designate permitted sender hosts)", domain))
		return nil
	}

	check, err := spf.CheckIP(ip.String())
	if err != nil {
		state.PrependHeader("Received-SPF", fmt.Sprintf("TempError (error while checking %s)", domain))
		return nil
	}

	state.PrependHeader("Received-SPF", fmt.Sprintf("%s (domain of %s designates %s as permitted sender)", check, domain, ip))
	return nil
}
