package smtp

import (
	"errors"
	"net/mail"
	"strings"
)

type MailAddress struct {
	Name   string
	Local  string
	Domain string
}

func (m *MailAddress) String() string {
	a := mail.Address{Name: m.Name, Address: m.Local + "@" + m.Domain}
	return a.String()
}

// Address returns the bare local@domain form without display name.
func (m *MailAddress) Address() string {
	return m.Local + "@" + m.Domain
}

// ParseAddress parses a display-name address as found in message headers.
func ParseAddress(address_str string) (*MailAddress, error) {
	address, err := mail.ParseAddress(address_str)
	if err != nil {
		return nil, err
	}

	index := strings.LastIndex(address.Address, "@")
	local := address.Address[0:index]
	domain := address.Address[index+1:]

	m := MailAddress{Name: address.Name, Local: local, Domain: domain}

	if valid, msg := m.Validate(); !valid {
		return nil, errors.New(msg)
	}

	return &m, nil
}

// ParsePath parses the content of an RFC 5321 path, i.e. the text between
// the angle brackets of MAIL FROM / RCPT TO, which carries no display
// name. A deprecated source route ("@relay1,@relay2:user@domain") is
// stripped down to its final mailbox. The empty path "<>" is handled by
// the caller; ParsePath rejects an empty string.
func ParsePath(path string) (*MailAddress, error) {
	if path == "" {
		return nil, errors.New("empty path")
	}

	// A source route is only valid when the path starts with '@'.
	if path[0] == '@' {
		i := strings.IndexByte(path, ':')
		if i == -1 {
			return nil, errors.New("malformed source route")
		}
		path = path[i+1:]
	}

	index := strings.LastIndex(path, "@")
	if index <= 0 || index == len(path)-1 {
		return nil, errors.New("path must be local@domain")
	}

	local := path[:index]
	domain := path[index+1:]
	if strings.ContainsAny(local+domain, " <>\r\n") {
		return nil, errors.New("invalid character in path")
	}

	m := MailAddress{Local: local, Domain: domain}
	if valid, msg := m.Validate(); !valid {
		return nil, errors.New(msg)
	}
	return &m, nil
}

// Validate checks length limits: a local part of at most 64 octets, a
// domain of at most 253 octets, and at most 254 octets for local part and
// domain together. The RFC 5321 limits they are drawn from are quoted
// below.
/*
   RFC 5321

	4.5.3.1.1.  Local-part

	   The maximum total length of a user name or other local-part is 64
	   octets.

	4.5.3.1.2.  Domain

	   The maximum total length of a domain name or number is 255 octets.

	4.5.3.1.3.  Path

	   The maximum total length of a reverse-path or forward-path is 256
	   octets (including the punctuation and element separators).
*/
func (m *MailAddress) Validate() (bool, string) {
	if len(m.Local) > 64 {
		return false, "Local too long"
	}
	if len(m.Domain) > 253 {
		return false, "Domain too long"
	}
	if len(m.Domain)+len(m.Local) > 254 {
		return false, "MailAddress too long"
	}
	return true, ""
}
