package response

import (
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"kestrel/internal/models"
)

// BuildEnvelope builds an ENVELOPE structure from a message header.
// ENVELOPE format: (date subject from sender reply-to to cc bcc in-reply-to message-id)
// This follows RFC 3501 Section 7.4.2 ENVELOPE structure
func BuildEnvelope(h textproto.Header) string {
	from := addressList(h, "From")
	sender := addressList(h, "Sender")
	replyTo := addressList(h, "Reply-To")

	// Sender and Reply-To default to From
	if sender == "NIL" {
		sender = from
	}
	if replyTo == "NIL" {
		replyTo = from
	}

	return fmt.Sprintf("(%s %s %s %s %s %s %s %s %s %s)",
		nstring(h.Get("Date")),
		nstring(h.Get("Subject")),
		from,
		sender,
		replyTo,
		addressList(h, "To"),
		addressList(h, "Cc"),
		addressList(h, "Bcc"),
		nstring(h.Get("In-Reply-To")),
		nstring(h.Get("Message-Id")),
	)
}

// nstring renders an envelope string, NIL when absent.
func nstring(s string) string {
	s = strings.TrimSpace(s)
	if strings.ContainsAny(s, "\r\n") {
		return models.FormatLiteral(s)
	}
	return models.QuoteOrNIL(s)
}

// addressList renders a header as a list of (name adl mailbox host)
// addresses. The route (adl) is always NIL.
func addressList(h textproto.Header, key string) string {
	if h.Get(key) == "" {
		return "NIL"
	}

	mh := mail.Header{}
	mh.Header.Header = h
	addrs, err := mh.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return "NIL"
	}

	items := make([]string, 0, len(addrs))
	for _, a := range addrs {
		mailbox, host := a.Address, ""
		if at := strings.LastIndexByte(a.Address, '@'); at >= 0 {
			mailbox, host = a.Address[:at], a.Address[at+1:]
		}
		items = append(items, fmt.Sprintf("(%s NIL %s %s)",
			nstring(a.Name), nstring(mailbox), nstring(host)))
	}
	return "(" + strings.Join(items, "") + ")"
}
