package ssh

import (
	"bytes"
	"io"
	"regexp"
)

// The portfolio renderer probes the terminal with DEC mode queries; over a
// remote PTY the replies leak into the output stream and corrupt the
// display. termReplyRE matches those replies (CSI ? Ps ; Ps $ letter) so
// they can be stripped before the bytes reach the client.
var termReplyRE = regexp.MustCompile(`\x1b\[\?[0-9]+(?:;[0-9]+)*\$[a-zA-Z]`)

// pendingLimit bounds how many bytes a partial candidate sequence may hold
// back before being flushed through unmodified.
const pendingLimit = 64

// replyFilter is a streaming writer that removes terminal query replies
// from the stream, including replies split across Write calls. It is used
// by a single relay goroutine and is not safe for concurrent use.
type replyFilter struct {
	w       io.Writer
	pending []byte
}

func newReplyFilter(w io.Writer) *replyFilter {
	return &replyFilter{w: w}
}

func (f *replyFilter) Write(p []byte) (int, error) {
	data := append(f.pending, p...)

	hold := partialReplyLen(data)
	if hold > pendingLimit {
		hold = 0
	}
	cut := len(data) - hold

	out := termReplyRE.ReplaceAll(data[:cut], nil)
	f.pending = append(f.pending[:0], data[cut:]...)

	if len(out) > 0 {
		if _, err := f.w.Write(out); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Flush delivers any held-back bytes. Called at stream end, when a pending
// partial sequence can no longer complete and must not be dropped.
func (f *replyFilter) Flush() error {
	if len(f.pending) == 0 {
		return nil
	}
	out := f.pending
	f.pending = nil
	_, err := f.w.Write(out)
	return err
}

// partialReplyLen reports how many trailing bytes of data form an
// incomplete prefix of a terminal reply sequence. Only a trailing fragment
// can be incomplete; anything complete is handled by the regexp.
func partialReplyLen(data []byte) int {
	idx := bytes.LastIndexByte(data, 0x1b)
	if idx < 0 {
		return 0
	}
	if isReplyPrefix(data[idx:]) {
		return len(data) - idx
	}
	return 0
}

// isReplyPrefix reports whether b (starting at ESC) is a proper prefix of
// ESC [ ? digits (; digits)* $ letter, meaning a sequence still missing
// bytes. A fully formed sequence returns false.
func isReplyPrefix(b []byte) bool {
	i := 1
	if i >= len(b) {
		return true
	}
	if b[i] != '[' {
		return false
	}
	i++
	if i >= len(b) {
		return true
	}
	if b[i] != '?' {
		return false
	}
	i++

	sawDigit := false
	for ; i < len(b); i++ {
		c := b[i]
		switch {
		case c >= '0' && c <= '9':
			sawDigit = true
		case c == ';':
			if !sawDigit {
				return false
			}
			sawDigit = false
		case c == '$':
			if !sawDigit {
				return false
			}
			// A final letter after '$' would complete the sequence.
			return i == len(b)-1
		default:
			return false
		}
	}
	return true
}
