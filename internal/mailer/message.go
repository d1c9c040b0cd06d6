package mailer

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ortsverband/newsletter-dispatch/internal/dispatch"
)

// BuildMessage renders msg into an RFC 5322 message for the given visible
// recipients. In BCC mode visible is empty: the To header carries only the
// sender and the actual recipients live solely in the envelope, so no member
// ever sees another member's address. In individual mode visible holds the
// single recipient.
func BuildMessage(msg dispatch.OutboundMessage, visible []string, now time.Time) ([]byte, error) {
	from := mail.Address{Name: msg.FromName, Address: msg.FromEmail}
	if msg.FromEmail == "" {
		return nil, fmt.Errorf("message has no sender address")
	}

	to := from.String()
	if len(visible) > 0 {
		addrs := make([]string, len(visible))
		for i, v := range visible {
			addrs[i] = (&mail.Address{Address: v}).String()
		}
		to = strings.Join(addrs, ", ")
	}

	var buf bytes.Buffer
	boundary := "part-" + uuid.New().String()

	writeHeader(&buf, "From", from.String())
	writeHeader(&buf, "To", to)
	if msg.ReplyTo != "" {
		writeHeader(&buf, "Reply-To", (&mail.Address{Address: msg.ReplyTo}).String())
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader(&buf, "Date", now.Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", messageID(msg.FromEmail))
	writeHeader(&buf, "MIME-Version", "1.0")

	hasText := msg.Text != ""
	hasHTML := msg.HTML != ""

	switch {
	case hasText && hasHTML:
		writeHeader(&buf, "Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", boundary))
		buf.WriteString("\r\n")
		if err := writePart(&buf, boundary, "text/plain; charset=utf-8", msg.Text); err != nil {
			return nil, err
		}
		if err := writePart(&buf, boundary, "text/html; charset=utf-8", msg.HTML); err != nil {
			return nil, err
		}
		fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	case hasHTML:
		if err := writeBody(&buf, "text/html; charset=utf-8", msg.HTML); err != nil {
			return nil, err
		}
	case hasText:
		if err := writeBody(&buf, "text/plain; charset=utf-8", msg.Text); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("message has no body")
	}

	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	fmt.Fprintf(buf, "%s: %s\r\n", key, value)
}

func writeBody(buf *bytes.Buffer, contentType, body string) error {
	writeHeader(buf, "Content-Type", contentType)
	writeHeader(buf, "Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")
	return encodeQP(buf, body)
}

func writePart(buf *bytes.Buffer, boundary, contentType, body string) error {
	fmt.Fprintf(buf, "--%s\r\n", boundary)
	return writeBody(buf, contentType, body)
}

func encodeQP(buf *bytes.Buffer, body string) error {
	w := quotedprintable.NewWriter(buf)
	if _, err := w.Write([]byte(body)); err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	buf.WriteString("\r\n")
	return nil
}

func messageID(fromEmail string) string {
	domain := "localhost"
	if at := strings.LastIndex(fromEmail, "@"); at >= 0 && at < len(fromEmail)-1 {
		domain = fromEmail[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)
}
