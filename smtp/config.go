package smtp

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Timeouts are the per-stage read deadlines, RFC 5321 section 4.5.3.2.
type Timeouts struct {
	Greeting        time.Duration
	Command         time.Duration
	DataBlock       time.Duration
	DataTermination time.Duration
}

// Config is the server configuration snapshot taken at construction.
type Config struct {
	Port     int
	Hostname string

	// Location of key and certificate for tls
	Key  string
	Cert string

	// MaxMessageSize is advertised via the SIZE extension and enforced
	// after the DATA terminator. 0 disables the limit.
	MaxMessageSize int64
	// MaxInMemoryMessageSize is the spool threshold; larger bodies go to
	// a temp file. 0 keeps everything in memory.
	MaxInMemoryMessageSize int64
	// MaxRecipients bounds the RCPT list; exceeding it yields 452.
	MaxRecipients int
	// MaxLineLength bounds command lines, CRLF included.
	MaxLineLength int
	// ReaderBufferSize configures the reader buffer, capped at 1 MiB.
	ReaderBufferSize int
	// LaxLineEndings repairs bare LF line endings instead of rejecting.
	LaxLineEndings bool

	Timeouts Timeouts

	// SoftErrorLimit starts slowing replies; HardErrorLimit closes the
	// connection with 421.
	SoftErrorLimit int
	HardErrorLimit int
	TarpitDelay    time.Duration

	// AuthMechanisms enables SASL mechanisms by name (PLAIN, LOGIN,
	// ANONYMOUS). Empty disables AUTH.
	AuthMechanisms []string
	// AuthRequiresTLS refuses AUTH on a cleartext connection with 538.
	AuthRequiresTLS bool

	// EnableSMTPUTF8 advertises SMTPUTF8 in the EHLO response.
	EnableSMTPUTF8 bool

	// LogLevel is a logrus level name. Empty means "info".
	LogLevel string
}

// withDefaults returns a copy with unset fields filled in.
func (c Config) withDefaults() Config {
	if c.Hostname == "" {
		c.Hostname = "localhost"
	}
	if c.MaxLineLength == 0 {
		c.MaxLineLength = MAX_LINE
	}
	if c.MaxRecipients == 0 {
		c.MaxRecipients = 100
	}
	if c.Timeouts.Greeting == 0 {
		c.Timeouts.Greeting = 5 * time.Minute
	}
	if c.Timeouts.Command == 0 {
		c.Timeouts.Command = 5 * time.Minute
	}
	if c.Timeouts.DataBlock == 0 {
		c.Timeouts.DataBlock = 3 * time.Minute
	}
	if c.Timeouts.DataTermination == 0 {
		c.Timeouts.DataTermination = 10 * time.Minute
	}
	if c.SoftErrorLimit == 0 {
		c.SoftErrorLimit = 5
	}
	if c.HardErrorLimit == 0 {
		c.HardErrorLimit = 10
	}
	if c.TarpitDelay == 0 {
		c.TarpitDelay = time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return c
}

// Validate rejects configurations that would otherwise fail at use.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if (c.Key == "") != (c.Cert == "") {
		return errors.New("tls needs both key and certificate")
	}
	if c.MaxLineLength != 0 && c.MaxLineLength < 512 {
		return errors.New("line length limit below the RFC 5321 minimum")
	}
	if c.ReaderBufferSize > MaxReaderBuffer {
		return fmt.Errorf("reader buffer above the %d byte maximum", MaxReaderBuffer)
	}
	if c.MaxInMemoryMessageSize < 0 || c.MaxMessageSize < 0 {
		return errors.New("negative size limit")
	}
	for _, mech := range c.AuthMechanisms {
		switch mech {
		case "PLAIN", "LOGIN", "ANONYMOUS":
		default:
			return fmt.Errorf("unsupported auth mechanism %q", mech)
		}
	}
	if c.LogLevel != "" {
		if _, err := log.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("invalid log level %q", c.LogLevel)
		}
	}
	return nil
}
