package chatlink

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// The wire protocol is STOMP 1.2 carried over a WebSocket transport.
// Frames are a command line, header lines, a blank line, an optional
// body and a trailing NUL.

type frameCommand string

const (
	cmdConnect     frameCommand = "CONNECT"
	cmdConnected   frameCommand = "CONNECTED"
	cmdSubscribe   frameCommand = "SUBSCRIBE"
	cmdUnsubscribe frameCommand = "UNSUBSCRIBE"
	cmdSend        frameCommand = "SEND"
	cmdDisconnect  frameCommand = "DISCONNECT"
	cmdMessage     frameCommand = "MESSAGE"
	cmdError       frameCommand = "ERROR"
)

const (
	hdrAcceptVersion = "accept-version"
	hdrAuthorization = "Authorization"
	hdrContentLength = "content-length"
	hdrContentType   = "content-type"
	hdrDestination   = "destination"
	hdrHost          = "host"
	hdrID            = "id"
	hdrMessage       = "message"
	hdrSubscription  = "subscription"
	hdrVersion       = "version"
)

type frame struct {
	command frameCommand
	headers map[string]string
	body    []byte
}

func newFrame(command frameCommand) *frame {
	return &frame{command: command, headers: map[string]string{}}
}

func (f *frame) header(name string) string {
	return f.headers[name]
}

// marshal renders the frame in wire form. Headers are written in sorted
// order so the output is deterministic.
func (f *frame) marshal() []byte {
	var b bytes.Buffer
	b.WriteString(string(f.command))
	b.WriteByte('\n')

	keys := make([]string, 0, len(f.headers))
	for k := range f.headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(escapeHeader(k))
		b.WriteByte(':')
		b.WriteString(escapeHeader(f.headers[k]))
		b.WriteByte('\n')
	}
	if len(f.body) > 0 {
		fmt.Fprintf(&b, "%s:%d\n", hdrContentLength, len(f.body))
	}
	b.WriteByte('\n')
	b.Write(f.body)
	b.WriteByte(0)
	return b.Bytes()
}

// parseFrame decodes one wire frame. Any malformation yields a
// *DecodeError; the caller drops the frame and carries on.
func parseFrame(data []byte) (*frame, error) {
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return nil, decodeErrorf("empty frame")
	}

	head, body, ok := splitFrameHead(data)
	if !ok {
		return nil, decodeErrorf("missing header terminator")
	}

	lines := strings.Split(string(head), "\n")
	command := strings.TrimRight(lines[0], "\r")
	if command == "" {
		return nil, decodeErrorf("missing command")
	}

	f := newFrame(frameCommand(command))
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, decodeErrorf("malformed header %q", line)
		}
		name = unescapeHeader(name)
		// Repeated headers keep the first occurrence, per STOMP 1.2.
		if _, exists := f.headers[name]; !exists {
			f.headers[name] = unescapeHeader(value)
		}
	}

	if n := len(body); n > 0 && body[n-1] == 0 {
		body = body[:n-1]
	}
	if len(body) > 0 {
		f.body = body
	}
	return f, nil
}

// splitFrameHead cuts the frame at the blank line ending the header
// block. Lines may end in LF or CRLF, so the blank line is a newline
// followed by an optional CR and another newline.
func splitFrameHead(data []byte) (head, body []byte, ok bool) {
	for i := 0; i < len(data); i++ {
		if data[i] != '\n' {
			continue
		}
		rest := data[i+1:]
		switch {
		case len(rest) > 0 && rest[0] == '\n':
			return data[:i], rest[1:], true
		case len(rest) > 1 && rest[0] == '\r' && rest[1] == '\n':
			return data[:i], rest[2:], true
		}
	}
	return nil, nil, false
}

var headerEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"\r", "\\r",
	"\n", "\\n",
	":", "\\c",
)

func escapeHeader(s string) string {
	return headerEscaper.Replace(s)
}

func unescapeHeader(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch != '\\' || i+1 == len(s) {
			b.WriteByte(ch)
			continue
		}
		i++
		switch s[i] {
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
