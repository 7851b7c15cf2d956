package stream

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// Message is one dispatched server-sent event.
type Message struct {
	Event string
	Data  string
	ID    string
}

// Decoder reads server-sent events from a text/event-stream body.
type Decoder struct {
	r      *bufio.Reader
	lastID string
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 16<<10)}
}

// Next blocks until a complete event has been read. An event cut off by the
// end of the stream is discarded and io.EOF returned.
func (d *Decoder) Next() (Message, error) {
	var (
		msg     Message
		data    strings.Builder
		hasData bool
	)
	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Message{}, io.EOF
			}
			return Message{}, err
		}
		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

		if line == "" {
			if !hasData {
				// Nothing to dispatch; the event name does not carry over.
				msg = Message{}
				continue
			}
			msg.Data = data.String()
			msg.ID = d.lastID
			return msg, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			msg.Event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				d.lastID = value
			}
		}
	}
}
