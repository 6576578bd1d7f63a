// Package stream follows an upstream server-sent event stream and relays
// its frames, reconnecting with backoff until told to stop.
package stream

import (
	"bufio"
	"io"
	"strings"
)

// Frame is one dispatched SSE event. Event defaults to "message".
type Frame struct {
	ID    string
	Event string
	Data  string
}

const maxLine = 1 << 20

// Parse reads frames from r until EOF or a read error, calling fn for each
// dispatched frame. Comment lines and unknown fields are ignored.
func Parse(r io.Reader, fn func(Frame)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	var (
		cur     Frame
		data    []string
		pending bool
	)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if pending {
				cur.Data = strings.Join(data, "\n")
				if cur.Event == "" {
					cur.Event = "message"
				}
				fn(cur)
			}
			cur, data, pending = Frame{ID: cur.ID}, data[:0], false
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			cur.Event = value
			pending = true
		case "data":
			data = append(data, value)
			pending = true
		case "id":
			cur.ID = value
		}
	}
	return sc.Err()
}
