package smtp

import (
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestReadLine(t *testing.T) {
	Convey("CRLF framing", t, func() {

		{
			r := NewReader(strings.NewReader("HELO box\r\nNOOP\r\n"), 0, false)

			line, err := r.ReadLine(MAX_LINE)
			So(err, ShouldBeNil)
			So(line, ShouldEqual, "HELO box")

			line, err = r.ReadLine(MAX_LINE)
			So(err, ShouldBeNil)
			So(line, ShouldEqual, "NOOP")
		}

		{ // bare LF is rejected in strict mode
			r := NewReader(strings.NewReader("HELO box\n"), 0, false)
			_, err := r.ReadLine(MAX_LINE)
			So(err, ShouldEqual, ErrBadFraming)
		}

		{ // and repaired in lax mode
			r := NewReader(strings.NewReader("HELO box\nNOOP\r\n"), 0, true)
			line, err := r.ReadLine(MAX_LINE)
			So(err, ShouldBeNil)
			So(line, ShouldEqual, "HELO box")
		}

		{ // bare CR inside a line
			r := NewReader(strings.NewReader("HE\rLO\r\nNOOP\r\n"), 0, false)
			_, err := r.ReadLine(MAX_LINE)
			So(err, ShouldEqual, ErrBadFraming)

			// the stream is drained to the newline, the next line reads
			line, err := r.ReadLine(MAX_LINE)
			So(err, ShouldBeNil)
			So(line, ShouldEqual, "NOOP")
		}

		{ // EOF mid-line
			r := NewReader(strings.NewReader("HELO"), 0, false)
			_, err := r.ReadLine(MAX_LINE)
			So(err, ShouldEqual, ErrIncomplete)
		}

	})
}

func TestReadLineTooLong(t *testing.T) {
	Convey("Overlong lines", t, func() {

		{ // a line strictly longer than the limit fails
			long := strings.Repeat("a", 999) + "\r\n" // 1001 octets
			r := NewReader(strings.NewReader(long+"NOOP\r\n"), 0, false)

			_, err := r.ReadLine(MAX_LINE)
			So(err, ShouldEqual, ErrLtl)

			// the overlong line was skipped entirely
			line, err := r.ReadLine(MAX_LINE)
			So(err, ShouldBeNil)
			So(line, ShouldEqual, "NOOP")
		}

		{ // exactly at the limit passes
			exact := strings.Repeat("a", 998) + "\r\n" // 1000 octets
			r := NewReader(strings.NewReader(exact), 0, false)
			line, err := r.ReadLine(MAX_LINE)
			So(err, ShouldBeNil)
			So(len(line), ShouldEqual, 998)
		}

	})
}

func TestReadDataBlock(t *testing.T) {
	Convey("DATA bodies", t, func() {

		{
			r := NewReader(strings.NewReader("Subject: hi\r\n\r\nbody\r\n.\r\n"), 0, false)
			msg, err := r.ReadDataBlock(0, 0, nil)
			So(err, ShouldBeNil)
			So(string(msg.Raw), ShouldEqual, "Subject: hi\r\n\r\nbody\r\n")
			So(string(msg.Headers), ShouldEqual, "Subject: hi\r\n")
			So(string(msg.Body), ShouldEqual, "body\r\n")
		}

		{ // dot-stuffing is reversed
			r := NewReader(strings.NewReader("..dot\r\n.\r\n"), 0, false)
			msg, err := r.ReadDataBlock(0, 0, nil)
			So(err, ShouldBeNil)
			So(string(msg.Raw), ShouldEqual, ".dot\r\n")
		}

		{ // oversized bodies are drained to the terminator
			r := NewReader(strings.NewReader("0123456789abcdef\r\n.\r\nNOOP\r\n"), 0, false)
			_, err := r.ReadDataBlock(5, 0, nil)
			So(err, ShouldEqual, ErrMessageTooLarge)

			line, err := r.ReadLine(MAX_LINE)
			So(err, ShouldBeNil)
			So(line, ShouldEqual, "NOOP")
		}

		{ // bodies beyond the memory threshold spill and read back intact
			var b strings.Builder
			for i := 0; i < 100; i++ {
				b.WriteString("a line of message text\r\n")
			}
			payload := b.String()
			r := NewReader(strings.NewReader(payload+".\r\n"), 0, false)
			msg, err := r.ReadDataBlock(0, 64, nil)
			So(err, ShouldBeNil)
			So(string(msg.Raw), ShouldEqual, payload)
		}

		{ // a message with no blank line is all headers
			r := NewReader(strings.NewReader("X-Odd: yes\r\n.\r\n"), 0, false)
			msg, err := r.ReadDataBlock(0, 0, nil)
			So(err, ShouldBeNil)
			So(string(msg.Headers), ShouldEqual, "X-Odd: yes\r\n")
			So(msg.Body, ShouldBeNil)
		}

	})
}

func TestReaderUpgrade(t *testing.T) {
	Convey("TLS upgrade", t, func() {

		{ // buffered plaintext blocks the upgrade
			r := NewReader(strings.NewReader("STARTTLS\r\nEHLO sneak\r\n"), 0, false)
			line, err := r.ReadLine(MAX_LINE)
			So(err, ShouldBeNil)
			So(line, ShouldEqual, "STARTTLS")
			So(r.Buffered(), ShouldBeGreaterThan, 0)

			err = r.Upgrade(strings.NewReader(""))
			So(err, ShouldEqual, ErrCmdInjection)
		}

		{ // a clean buffer swaps sources
			r := NewReader(strings.NewReader("STARTTLS\r\n"), 0, false)
			_, err := r.ReadLine(MAX_LINE)
			So(err, ShouldBeNil)
			So(r.Buffered(), ShouldEqual, 0)

			err = r.Upgrade(strings.NewReader("EHLO secure\r\n"))
			So(err, ShouldBeNil)

			line, err := r.ReadLine(MAX_LINE)
			So(err, ShouldBeNil)
			So(line, ShouldEqual, "EHLO secure")
		}

	})
}
