package ami

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

// Header is one "Key: Value" line. Keys may repeat (Variable).
type Header struct {
	Key   string
	Value string
}

// H is shorthand for building action fields.
func H(key, value string) Header { return Header{Key: key, Value: value} }

// Message is one protocol block: a response, an event or an action.
// Header order is preserved.
type Message struct {
	Headers []Header
}

// Get returns the first value for key, matched case-insensitively.
func (m Message) Get(key string) string {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Key, key) {
			return h.Value
		}
	}
	return ""
}

func (m Message) Has(key string) bool {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Key, key) {
			return true
		}
	}
	return false
}

// All returns every value for key in wire order.
func (m Message) All(key string) []string {
	var out []string
	for _, h := range m.Headers {
		if strings.EqualFold(h.Key, key) {
			out = append(out, h.Value)
		}
	}
	return out
}

func (m Message) Event() string    { return m.Get("Event") }
func (m Message) Response() string { return m.Get("Response") }
func (m Message) ActionID() string { return m.Get("ActionID") }
func (m Message) IsEvent() bool    { return m.Has("Event") }
func (m Message) IsResponse() bool { return m.Has("Response") }

// Variable returns a channel variable carried as "Variable: NAME=value".
func (m Message) Variable(name string) (string, bool) {
	for _, v := range m.All("Variable") {
		k, val, ok := strings.Cut(v, "=")
		if ok && k == name {
			return val, true
		}
	}
	return "", false
}

// encodeAction serializes an action block. ActionID is placed second.
func encodeAction(action, actionID string, fields []Header) []byte {
	var b bytes.Buffer
	b.WriteString("Action: ")
	b.WriteString(action)
	b.WriteString("\r\n")
	if actionID != "" {
		b.WriteString("ActionID: ")
		b.WriteString(actionID)
		b.WriteString("\r\n")
	}
	for _, f := range fields {
		b.WriteString(sanitize(f.Key))
		b.WriteString(": ")
		b.WriteString(sanitize(f.Value))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// Encode serializes m as a block. Used by the fake switch.
func Encode(m Message) []byte {
	var b bytes.Buffer
	for _, h := range m.Headers {
		b.WriteString(sanitize(h.Key))
		b.WriteString(": ")
		b.WriteString(sanitize(h.Value))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// sanitize strips line breaks so a field value cannot inject headers.
func sanitize(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

var errMalformed = errors.New("ami: malformed block")

// Reader reads blocks off the wire.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{br: br}
	}
	return &Reader{br: bufio.NewReader(r)}
}

// ReadLine reads one raw line without its terminator (the banner).
func (r *Reader) ReadLine() (string, error) {
	line, err := r.br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadMessage reads up to the next blank line. A block containing a line
// without a colon, or lacking both Response and Event (and Action), is
// consumed whole and reported as errMalformed so the caller can skip it.
func (r *Reader) ReadMessage() (Message, error) {
	var m Message
	malformed := false
	for {
		line, err := r.ReadLine()
		if err != nil {
			return Message{}, err
		}
		if line == "" {
			if len(m.Headers) == 0 && !malformed {
				continue
			}
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			malformed = true
			continue
		}
		m.Headers = append(m.Headers, Header{Key: strings.TrimSpace(key), Value: strings.TrimSpace(value)})
	}
	if malformed || !(m.IsResponse() || m.IsEvent() || m.Has("Action")) {
		return m, errMalformed
	}
	return m, nil
}
