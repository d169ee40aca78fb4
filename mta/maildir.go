package mta

import (
	"bytes"

	"github.com/sloonz/go-maildir"

	log "github.com/sirupsen/logrus"
)

// MaildirDeliver writes accepted messages into a maildir, one copy per
// message. Per-recipient fan-out belongs to a real delivery agent; this
// queue keeps the handoff contract simple.
type MaildirDeliver struct {
	dir *maildir.Maildir
}

func NewMaildirDeliver(path string) (*MaildirDeliver, error) {
	dir, err := maildir.New(path, true)
	if err != nil {
		return nil, err
	}
	return &MaildirDeliver{dir: dir}, nil
}

func (d *MaildirDeliver) Deliver(state *MailState, final []byte) error {
	name, err := d.dir.CreateMail(bytes.NewReader(final))
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"session": state.Session.ID,
		"queue":   state.QueueID,
		"file":    name,
	}).Debug("message written to maildir")
	return nil
}
