package smtp

import (
	"bytes"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/OliverSchlueter/goutils/idgen"
)

// Format renders the headers and body of m as sent after DATA, with CRLF
// line endings and without the end-of-data marker.
func Format(from string, m Message, date time.Time) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", m.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", date.Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: <%s@%s>\r\n", idgen.GenerateID(20), domainOf(from))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	buf.WriteString("\r\n")

	for _, line := range bodyLines(m.Body) {
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}

	return buf.Bytes()
}

// Terminate appends the end-of-data marker to a rendered message. With
// escape set, lines starting with "." get a second one (RFC 5321 4.5.2) so
// the body cannot end the transfer early.
func Terminate(msg []byte, escape bool) []byte {
	var buf bytes.Buffer
	buf.Grow(len(msg) + 8)

	if escape {
		lines := bytes.Split(msg, crlf)
		for i, line := range lines {
			if i == len(lines)-1 && len(line) == 0 {
				break
			}
			if len(line) > 0 && line[0] == '.' {
				buf.WriteByte('.')
			}
			buf.Write(line)
			buf.Write(crlf)
		}
	} else {
		buf.Write(msg)
		if !bytes.HasSuffix(msg, crlf) {
			buf.Write(crlf)
		}
	}

	buf.WriteString(".\r\n")
	return buf.Bytes()
}

func bodyLines(body string) []string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")
	body = strings.TrimSuffix(body, "\n")
	return strings.Split(body, "\n")
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return strings.Trim(addr[i+1:], "> ")
	}
	return "localhost"
}
