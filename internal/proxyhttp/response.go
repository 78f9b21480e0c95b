// response.go implements the incremental response parser: a small state
// machine fed raw bytes from the tunneled stream. It accumulates until the
// header/body separator, parses the status line and headers, then routes
// body bytes either through the chunked decoder or a byte counter against
// content-length. All counting is over raw bytes end-to-end.

package proxyhttp

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Diagnostic headers surfaced to callers as metadata. Optional; the proxy
// may omit them.
const (
	HeaderProxyVersion   = "x-proxy-version"
	HeaderProxyStartedAt = "x-proxy-started-at"
)

type parsePhase int

const (
	phaseHeaders parsePhase = iota
	phaseBody
	phaseDone
	phaseFailed
)

// transferMode describes how the body is delimited.
type transferMode int

const (
	transferUntilClose transferMode = iota // no framing; body ends at EOF
	transferLength                         // content-length counted in raw bytes
	transferChunked
)

// responseParser decodes one HTTP response exchange. It is scoped to a
// single request/response and discarded at its end.
type responseParser struct {
	phase   parsePhase
	headBuf []byte

	status  int
	headers map[string]string

	mode      transferMode
	remaining int // bytes left when mode == transferLength
	chunker   ChunkedDecoder
}

// feed consumes raw stream bytes and returns any decoded body payloads plus
// whether the body is now complete.
func (p *responseParser) feed(data []byte) (body [][]byte, complete bool, err error) {
	switch p.phase {
	case phaseDone:
		return nil, true, nil
	case phaseFailed:
		return nil, false, &ProtocolError{Reason: "parser already failed"}
	}

	if p.phase == phaseHeaders {
		p.headBuf = append(p.headBuf, data...)
		head, rest, found := splitHeaderBlock(p.headBuf)
		if !found {
			return nil, false, nil
		}
		if err := p.parseHead(head); err != nil {
			p.phase = phaseFailed
			return nil, false, err
		}
		p.headBuf = nil
		p.phase = phaseBody
		if p.bodyAlreadyComplete() {
			p.phase = phaseDone
			// Bytes after a complete body are discarded.
			return nil, true, nil
		}
		data = rest
	}

	return p.feedBody(data)
}

// feedEOF signals end of stream. For until-close bodies this completes the
// exchange; for framed bodies arriving short, it is a truncation error.
func (p *responseParser) feedEOF() error {
	switch p.phase {
	case phaseDone:
		return nil
	case phaseHeaders:
		if len(p.headBuf) == 0 {
			return &ProtocolError{Reason: "no response received"}
		}
		return &ProtocolError{Reason: "connection closed before headers completed"}
	case phaseFailed:
		return &ProtocolError{Reason: "parser already failed"}
	}

	switch p.mode {
	case transferUntilClose:
		p.phase = phaseDone
		return nil
	case transferLength:
		return &ProtocolError{Reason: fmt.Sprintf("body truncated: %d byte(s) missing", p.remaining)}
	default:
		return &ProtocolError{Reason: "connection closed mid-chunk"}
	}
}

// feedBody routes body bytes according to the transfer mode.
func (p *responseParser) feedBody(data []byte) ([][]byte, bool, error) {
	if len(data) == 0 {
		return nil, false, nil
	}

	switch p.mode {
	case transferChunked:
		payloads, err := p.chunker.Feed(data)
		if err != nil {
			p.phase = phaseFailed
			return payloads, false, err
		}
		if p.chunker.Done() {
			p.phase = phaseDone
			return payloads, true, nil
		}
		return payloads, false, nil

	case transferLength:
		if len(data) > p.remaining {
			data = data[:p.remaining]
		}
		p.remaining -= len(data)
		chunk := append([]byte(nil), data...)
		if p.remaining == 0 {
			p.phase = phaseDone
			return [][]byte{chunk}, true, nil
		}
		return [][]byte{chunk}, false, nil

	default:
		return [][]byte{append([]byte(nil), data...)}, false, nil
	}
}

// bodyAlreadyComplete reports whether the headers alone mark the body done
// (content-length: 0).
func (p *responseParser) bodyAlreadyComplete() bool {
	return p.mode == transferLength && p.remaining == 0
}

// parseHead parses the status line and header lines.
func (p *responseParser) parseHead(head []byte) error {
	lines := strings.Split(string(head), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}

	if len(lines) == 0 || !strings.HasPrefix(lines[0], "HTTP/") {
		return &ProtocolError{Reason: fmt.Sprintf("first line is not a status line: %q", firstLine(lines))}
	}
	fields := strings.SplitN(lines[0], " ", 3)
	if len(fields) < 2 {
		return &ProtocolError{Reason: fmt.Sprintf("malformed status line: %q", lines[0])}
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("malformed status code: %q", fields[1])}
	}
	p.status = code

	p.headers = make(map[string]string)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			return &ProtocolError{Reason: fmt.Sprintf("malformed header line: %q", line)}
		}
		p.headers[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	if strings.Contains(strings.ToLower(p.headers["transfer-encoding"]), "chunked") {
		p.mode = transferChunked
		return nil
	}
	if cl, ok := p.headers["content-length"]; ok {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return &ProtocolError{Reason: fmt.Sprintf("malformed content-length: %q", cl)}
		}
		p.mode = transferLength
		p.remaining = n
		return nil
	}
	p.mode = transferUntilClose
	return nil
}

// splitHeaderBlock finds the header/body separator: \r\n\r\n, or a bare \n\n
// tolerated for leniency. Returns the head (without separator), the bytes
// after it, and whether a separator was found.
func splitHeaderBlock(buf []byte) (head, rest []byte, found bool) {
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	lf := bytes.Index(buf, []byte("\n\n"))

	switch {
	case crlf >= 0 && (lf < 0 || crlf <= lf):
		return buf[:crlf], buf[crlf+4:], true
	case lf >= 0:
		return buf[:lf], buf[lf+2:], true
	default:
		return nil, nil, false
	}
}

func firstLine(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return lines[0]
}
