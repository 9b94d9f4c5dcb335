package sse

import (
	"bytes"
	"strings"
)

const doneMarker = "[DONE]"

// Framer extracts data payloads from a Server-Sent Events byte stream. Bytes
// may arrive split at arbitrary positions; incomplete lines are carried over
// to the next Feed call.
type Framer struct {
	buf     []byte
	sawDone bool
}

func NewFramer() *Framer {
	return &Framer{}
}

// Feed appends bytes to the frame buffer and returns the payload of every
// complete "data:" line. Blank lines, comments, other fields and the [DONE]
// marker are skipped.
func (f *Framer) Feed(p []byte) []string {
	f.buf = append(f.buf, p...)

	var out []string
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			return out
		}
		line := string(bytes.TrimRight(f.buf[:i], "\r"))
		f.buf = f.buf[i+1:]

		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimLeft(payload, " ")
		if payload == "" {
			continue
		}
		if payload == doneMarker {
			f.sawDone = true
			continue
		}
		out = append(out, payload)
	}
}

// SawDone reports whether a [DONE] marker has been seen since the last Reset.
func (f *Framer) SawDone() bool { return f.sawDone }

// Reset discards buffered bytes and clears the done flag, readying the framer
// for a new stream.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.sawDone = false
}
