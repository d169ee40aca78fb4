package smtp

import (
	"bufio"
	"net"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestReplyString(t *testing.T) {
	Convey("Reply serialisation", t, func() {

		{
			So(NewReply(Ok, "Ok").String(), ShouldEqual, "250 Ok")
		}

		{ // continuation lines use the dash form
			r := NewReply(Ok, "srv", "PIPELINING", "8BITMIME")
			So(r.String(), ShouldEqual, "250-srv\r\n250-PIPELINING\r\n250 8BITMIME")
		}

		{
			So(NewReply(ShuttingDown).String(), ShouldEqual, "421 ")
		}

		{
			So(NewReply(ShuttingDown, "x").Temporary(), ShouldEqual, true)
			So(NewReply(SyntaxError, "x").Permanent(), ShouldEqual, true)
			So(NewReply(Ok, "x").Temporary(), ShouldEqual, false)
		}

	})
}

// collectWrites reads everything the writer emits on its pipe end.
func collectWrites(conn net.Conn, lines int) []string {
	br := bufio.NewReader(conn)
	var out []string
	for i := 0; i < lines; i++ {
		line, err := br.ReadString('\n')
		if err != nil {
			break
		}
		out = append(out, line)
	}
	return out
}

func TestWriter(t *testing.T) {
	Convey("SendReply", t, func() {

		{
			server, client := net.Pipe()
			w := NewWriter(server, 0)

			got := make(chan []string, 1)
			go func() { got <- collectWrites(client, 2) }()

			err := w.SendReply(NewReply(Ok, "srv", "PIPELINING"))
			So(err, ShouldBeNil)
			lines := <-got
			So(len(lines), ShouldEqual, 2)
			So(lines[0], ShouldEqual, "250-srv\r\n")
			So(lines[1], ShouldEqual, "250 PIPELINING\r\n")
			server.Close()
		}

		{ // reply text must be ASCII
			server, _ := net.Pipe()
			w := NewWriter(server, 0)
			err := w.SendReply(NewReply(Ok, "caf\xc3\xa9"))
			So(err, ShouldEqual, ErrNonAsciiReply)
			server.Close()
		}

	})

	Convey("SendContinuation", t, func() {

		server, client := net.Pipe()
		w := NewWriter(server, 0)

		got := make(chan []string, 1)
		go func() { got <- collectWrites(client, 1) }()

		err := w.SendContinuation([]byte("Username:"))
		So(err, ShouldBeNil)
		lines := <-got
		So(lines[0], ShouldEqual, "334 VXNlcm5hbWU6\r\n")
		server.Close()

	})
}
