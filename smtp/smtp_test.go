package smtp

import (
	"context"
	"net"
	"net/textproto"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestServerServe(t *testing.T) {
	Convey("The server accepts connections and drives full sessions", t, func() {

		h := &testHandler{queueID: "SRV1"}
		srv, err := NewServer(testConfig(), Relay, h)
		So(err, ShouldBeNil)

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		So(err, ShouldBeNil)

		serveDone := make(chan error, 1)
		go func() { serveDone <- srv.Serve(ln) }()

		conn, err := net.Dial("tcp", ln.Addr().String())
		So(err, ShouldBeNil)
		c := textproto.NewConn(conn)

		_, _, err = c.ReadResponse(220)
		So(err, ShouldBeNil)

		c.PrintfLine("EHLO client.example.com")
		_, _, err = c.ReadResponse(250)
		So(err, ShouldBeNil)

		c.PrintfLine("MAIL FROM:<a@x>")
		c.ReadResponse(250)
		c.PrintfLine("RCPT TO:<b@y>")
		c.ReadResponse(250)
		c.PrintfLine("DATA")
		c.ReadResponse(354)
		c.PrintfLine("Subject: via tcp")
		c.PrintfLine("")
		c.PrintfLine("hello")
		c.PrintfLine(".")
		_, msg, err := c.ReadResponse(250)
		So(err, ShouldBeNil)
		So(msg, ShouldEqual, "2.0.0 Ok: queued as SRV1")

		c.PrintfLine("QUIT")
		_, _, err = c.ReadResponse(221)
		So(err, ShouldBeNil)
		conn.Close()

		ctx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		So(srv.Shutdown(ctx), ShouldBeNil)
		So(<-serveDone, ShouldBeNil)

	})
}

func TestServerConfigValidation(t *testing.T) {
	Convey("Invalid configurations are refused at construction", t, func() {

		{ // key without certificate
			_, err := NewServer(Config{Hostname: "srv", Key: "only-key.pem"}, Relay, &testHandler{})
			So(err, ShouldNotBeNil)
		}

		{ // tunneled listeners need TLS material
			_, err := NewServer(Config{Hostname: "srv"}, Tunneled, &testHandler{})
			So(err, ShouldNotBeNil)
		}

		{ // bogus auth mechanism
			_, err := NewServer(Config{Hostname: "srv", AuthMechanisms: []string{"XOAUTH99"}}, Relay, &testHandler{})
			So(err, ShouldNotBeNil)
		}

		{ // bogus log level is a config error, not a runtime surprise
			_, err := NewServer(Config{Hostname: "srv", LogLevel: "off"}, Relay, &testHandler{})
			So(err, ShouldNotBeNil)
		}

	})
}
