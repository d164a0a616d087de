package smtp

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

var crlf = []byte("\r\n")

// Reply is one complete server reply, possibly assembled from several lines.
type Reply struct {
	Code int
	// Lines holds the raw reply lines including code and separator.
	Lines []string
}

// Text returns the raw reply, lines joined by "\n".
func (r Reply) Text() string {
	return strings.Join(r.Lines, "\n")
}

// Failed reports whether the reply is outside the success and intermediate range.
func (r Reply) Failed() bool {
	return r.Code < 200 || r.Code >= CodeFailure
}

// Offers reports whether an EHLO reply advertises the given extension keyword.
func (r Reply) Offers(ext string) bool {
	for _, line := range r.Lines {
		if len(line) <= 4 {
			continue
		}

		fields := strings.Fields(line[4:])
		if len(fields) > 0 && strings.EqualFold(fields[0], ext) {
			return true
		}
	}
	return false
}

// ReplyReader reassembles replies from bytes delivered in arbitrary chunks.
// A trailing partial line is kept until the next Feed, continuation lines
// ("250-...") are accumulated until the final line ("250 ...") arrives.
type ReplyReader struct {
	buf   []byte
	lines []string
	code  int
}

// Feed consumes a chunk and returns every reply completed by it.
func (rr *ReplyReader) Feed(p []byte) ([]Reply, error) {
	rr.buf = append(rr.buf, p...)

	var replies []Reply
	for {
		i := bytes.Index(rr.buf, crlf)
		if i < 0 {
			if len(rr.buf) > maxReplyLineLen {
				return replies, ErrReplyLineTooLong
			}
			break
		}

		line := string(rr.buf[:i])
		rr.buf = rr.buf[i+len(crlf):]

		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(line) > maxReplyLineLen-len(crlf) {
			return replies, ErrReplyLineTooLong
		}

		reply, done, err := rr.line(line)
		if err != nil {
			return replies, err
		}
		if done {
			replies = append(replies, reply)
		}
	}

	if len(rr.buf) == 0 {
		rr.buf = nil
	}

	return replies, nil
}

func (rr *ReplyReader) line(line string) (Reply, bool, error) {
	if len(line) < 3 {
		return Reply{}, false, fmt.Errorf("%w: %q", ErrMalformedReply, line)
	}

	code, err := parseCode(line[:3])
	if err != nil {
		return Reply{}, false, fmt.Errorf("%w: %q", ErrMalformedReply, line)
	}

	if len(rr.lines) > 0 && code != rr.code {
		return Reply{}, false, fmt.Errorf("%w: multi-line reply changed code from %d to %d", ErrMalformedReply, rr.code, code)
	}

	final := len(line) == 3
	if !final {
		switch line[3] {
		case '-':
		case ' ':
			final = true
		default:
			return Reply{}, false, fmt.Errorf("%w: bad separator in %q", ErrMalformedReply, line)
		}
	}

	if len(rr.lines) >= maxReplyLines {
		return Reply{}, false, fmt.Errorf("%w: more than %d lines", ErrReplyTooLong, maxReplyLines)
	}

	rr.code = code
	rr.lines = append(rr.lines, line)
	if !final {
		return Reply{}, false, nil
	}

	reply := Reply{Code: code, Lines: rr.lines}
	rr.lines = nil
	rr.code = 0
	return reply, true, nil
}

// Buffered reports whether bytes of an unfinished reply are being held.
func (rr *ReplyReader) Buffered() bool {
	return len(rr.buf) > 0 || len(rr.lines) > 0
}

func parseCode(s string) (int, error) {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("invalid reply code %q", s)
		}
	}

	code, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if code < 100 {
		return 0, fmt.Errorf("invalid reply code %q", s)
	}
	return code, nil
}
