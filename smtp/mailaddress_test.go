package smtp

import (
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestParseAddress(t *testing.T) {

	Convey("Testing ParseAddress()", t, func() {

		mails := []struct {
			str    string
			parsed MailAddress
		}{
			{
				str: `"Bob" <bob@example.com>`,
				parsed: MailAddress{
					Name:   `Bob`,
					Local:  `bob`,
					Domain: `example.com`,
				},
			},
			{
				str: `   <bob@example.com> `,
				parsed: MailAddress{
					Name:   ``,
					Local:  `bob`,
					Domain: `example.com`,
				},
			},
		}

		for _, mail := range mails {
			address, err := ParseAddress(mail.str)
			So(err, ShouldEqual, nil)
			So(address.String(), ShouldEqual, mail.parsed.String())
		}

	})

}

func TestParsePath(t *testing.T) {

	Convey("Testing ParsePath()", t, func() {

		{
			addr, err := ParsePath("bob@example.com")
			So(err, ShouldBeNil)
			So(addr.Local, ShouldEqual, "bob")
			So(addr.Domain, ShouldEqual, "example.com")
		}

		{ // source routes collapse to the final mailbox
			addr, err := ParsePath("@relay1.example.org,@relay2.example.org:bob@example.com")
			So(err, ShouldBeNil)
			So(addr.Address(), ShouldEqual, "bob@example.com")
		}

		{
			_, err := ParsePath("")
			So(err, ShouldNotBeNil)
		}

		{
			_, err := ParsePath("no-at-sign")
			So(err, ShouldNotBeNil)
		}

		{
			_, err := ParsePath("trailing@")
			So(err, ShouldNotBeNil)
		}

		{
			_, err := ParsePath("@route-without-colon@example.com")
			So(err, ShouldNotBeNil)
		}

		{ // local parts with special characters stay intact
			addr, err := ParsePath("customer/department=shipping@example.com")
			So(err, ShouldBeNil)
			So(addr.Local, ShouldEqual, "customer/department=shipping")
		}

	})

}

func TestValidate(t *testing.T) {
	Convey("Testing Validate()", t, func() {

		valid_locals := []string{
			"mathias",
			"foo,!#",
			"!def!xyz%abc",
			"$A12345",
			"customer/department=shipping",
		}

		for _, m := range valid_locals {
			m := MailAddress{Local: m, Domain: "example.com"}
			valid, _ := m.Validate()
			So(valid, ShouldEqual, true)
		}

		{ // local part above 64 octets
			m := MailAddress{Local: strings.Repeat("x", 65), Domain: "example.com"}
			valid, _ := m.Validate()
			So(valid, ShouldEqual, false)
		}

		{ // domain above the limit
			m := MailAddress{Local: "x", Domain: strings.Repeat("d", 254)}
			valid, _ := m.Validate()
			So(valid, ShouldEqual, false)
		}

	})
}
