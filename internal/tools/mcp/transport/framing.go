// Package transport carries JSON-RPC messages to MCP servers over stdio or
// streamable HTTP. Stdio frames are length-prefixed: a Content-Length header,
// a blank line, then exactly that many bytes of JSON.
package transport

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxFrameSize caps a single message at 10MB, matching the largest tool
// results we are willing to buffer.
const maxFrameSize = 10 << 20

// writeFrame writes one length-prefixed message.
func writeFrame(w io.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed message. Unknown headers are skipped so
// servers may add their own without breaking us.
func readFrame(r *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed frame header %q", line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			length, err = strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("bad Content-Length %q: %w", value, err)
			}
		}
	}
	if length < 0 {
		return nil, fmt.Errorf("frame missing Content-Length header")
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d byte limit", length, maxFrameSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
