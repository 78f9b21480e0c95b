// chunked.go implements an incremental decoder for HTTP/1.1 chunked
// transfer-encoding. Input arrives in arbitrary slices cut at arbitrary byte
// boundaries; the decoder only ever emits fully received chunk payloads, in
// arrival order, so the concatenation of its output is independent of how
// the input was split.

package proxyhttp

import (
	"bytes"
	"fmt"
	"strconv"
)

// ChunkedDecoder buffers raw bytes and emits complete chunk payloads.
// A zero-length chunk terminates decoding; anything buffered after it is
// discarded.
type ChunkedDecoder struct {
	buf  []byte
	done bool
}

// Done reports whether the terminating 0-length chunk has been seen.
func (d *ChunkedDecoder) Done() bool { return d.done }

// Feed appends raw bytes and returns the payloads of every chunk that is now
// fully received. After the terminator, further input is ignored.
func (d *ChunkedDecoder) Feed(p []byte) ([][]byte, error) {
	if d.done {
		return nil, nil
	}
	d.buf = append(d.buf, p...)

	var out [][]byte
	for {
		payload, ok, err := d.next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		if payload != nil {
			out = append(out, payload)
		}
		if d.done {
			return out, nil
		}
	}
}

// next tries to decode one chunk from the buffer. Returns ok=false when more
// input is needed. A nil payload with ok=true means the terminator was
// consumed.
func (d *ChunkedDecoder) next() ([]byte, bool, error) {
	// Size line ends at \r\n; a bare \n is tolerated.
	nl := bytes.IndexByte(d.buf, '\n')
	if nl < 0 {
		return nil, false, nil
	}

	sizeText := string(bytes.TrimRight(d.buf[:nl], "\r"))
	// Chunk extensions (";ext=val") are ignored.
	if i := bytes.IndexByte([]byte(sizeText), ';'); i >= 0 {
		sizeText = sizeText[:i]
	}
	size, err := strconv.ParseInt(sizeText, 16, 32)
	if err != nil || size < 0 {
		return nil, false, &ProtocolError{Reason: fmt.Sprintf("malformed chunk size %q", sizeText)}
	}

	if size == 0 {
		// Terminator. Partially buffered trailer bytes are discarded.
		d.done = true
		d.buf = nil
		return nil, true, nil
	}

	rest := d.buf[nl+1:]
	if int64(len(rest)) < size {
		return nil, false, nil
	}

	payload := make([]byte, size)
	copy(payload, rest[:size])
	rest = rest[size:]

	// Consume the CRLF (or bare LF) that closes the chunk. If it has not
	// arrived yet, wait for it so the next size line starts clean.
	switch {
	case len(rest) >= 2 && rest[0] == '\r' && rest[1] == '\n':
		rest = rest[2:]
	case len(rest) >= 1 && rest[0] == '\n':
		rest = rest[1:]
	case len(rest) == 0 || (len(rest) == 1 && rest[0] == '\r'):
		return nil, false, nil
	default:
		return nil, false, &ProtocolError{Reason: "missing chunk delimiter"}
	}

	d.buf = append([]byte(nil), rest...)
	return payload, true, nil
}
