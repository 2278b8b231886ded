package kimi

import (
	"bufio"
	"bytes"
	"io"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const maxEventLineSize = 52_428_800 // 50MB

var dataPrefix = []byte("data:")

// Decoder turns the raw completion stream into classified events. It is a pull
// iterator: call Next until it returns io.EOF. A Decoder cannot be restarted.
type Decoder struct {
	scanner *bufio.Scanner
	done    bool
}

// NewDecoder wraps r. Lines are split on '\n' at the byte level, so a multi-byte
// character split across reads is reassembled before decoding. A trailing fragment
// with no terminating newline is discarded.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, maxEventLineSize)
	scanner.Split(scanCompleteLines)
	return &Decoder{scanner: scanner}
}

// Next returns the next meaningful event. Lines that are not `data:` lines, empty
// payloads and malformed JSON are skipped. After an all_done event has been returned,
// every further call returns io.EOF without touching the reader.
func (d *Decoder) Next() (Event, error) {
	if d.done {
		return Event{}, io.EOF
	}
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if len(payload) == 0 {
			continue
		}
		if !gjson.ValidBytes(payload) {
			log.WithField("payload", truncate(payload, 256)).Warn("kimi decoder: skipping malformed event payload")
			continue
		}
		ev := classify(payload)
		if ev.Kind == EventDone {
			d.done = true
		}
		return ev, nil
	}
	d.done = true
	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

func classify(payload []byte) Event {
	raw := bytes.Clone(payload)
	switch gjson.GetBytes(payload, "event").String() {
	case "cmpl":
		if text := gjson.GetBytes(payload, "text"); text.Type == gjson.String && text.Str != "" {
			return Event{Kind: EventTextDelta, Text: text.Str, Raw: raw}
		}
	case "rename":
		return Event{Kind: EventRename, Raw: raw}
	case "all_done":
		return Event{Kind: EventDone, Raw: raw}
	}
	return Event{Kind: EventUnknown, Raw: raw}
}

// scanCompleteLines is bufio.ScanLines without the final-fragment rule: data left
// over at EOF without a newline is dropped instead of returned.
func scanCompleteLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), nil, nil
	}
	return 0, nil, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
