// Package amitest is a scripted in-memory switch for exercising the
// manager-protocol client and its callers.
package amitest

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"

	"campaign-dialer/internal/ami"
)

const Banner = "Asterisk Call Manager/7.0.3"

// Handler answers one action. The first returned message is the response
// (its ActionID is filled in); the rest are written afterwards as events.
// Returning nothing leaves the action unanswered.
type Handler func(req ami.Message) []ami.Message

// Server accepts connections through Dial, so it plugs into ami.Config.Dial.
type Server struct {
	Username string
	Secret   string

	mu          sync.Mutex
	handlers    map[string]Handler
	conns       map[*conn]struct{}
	actions     []ami.Message
	logins      int
	rejectLogin bool
	refuseDial  bool
}

type conn struct {
	net.Conn
	wmu sync.Mutex
}

func (c *conn) send(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.Write(b)
	return err
}

func NewServer() *Server {
	s := &Server{
		Username: "dialer",
		Secret:   "secret",
		handlers: map[string]Handler{},
		conns:    map[*conn]struct{}{},
	}
	s.Handle("Ping", func(ami.Message) []ami.Message {
		return []ami.Message{Success(ami.H("Ping", "Pong"))}
	})
	return s
}

// Config returns a client config pointed at this server.
func (s *Server) Config() ami.Config {
	return ami.Config{
		Addr:     "amitest:5038",
		Username: s.Username,
		Secret:   s.Secret,
		Dial:     s.Dial,
	}
}

// Handle registers h for action (case-insensitive).
func (s *Server) Handle(action string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[strings.ToLower(action)] = h
}

// RejectLogin makes subsequent logins fail.
func (s *Server) RejectLogin(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectLogin = v
}

// RefuseDial makes subsequent dials fail at the transport.
func (s *Server) RefuseDial(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuseDial = v
}

func (s *Server) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	s.mu.Lock()
	refuse := s.refuseDial
	s.mu.Unlock()
	if refuse {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	c := &conn{Conn: server}
	go s.serve(c)
	return client, nil
}

func (s *Server) serve(c *conn) {
	defer c.Close()
	if err := c.send([]byte(Banner + "\r\n")); err != nil {
		return
	}
	rd := ami.NewReader(c)
	authed := false
	for {
		req, err := rd.ReadMessage()
		if err != nil {
			if authed {
				s.mu.Lock()
				delete(s.conns, c)
				s.mu.Unlock()
			}
			return
		}
		action := req.Get("Action")
		s.mu.Lock()
		s.actions = append(s.actions, req)
		s.mu.Unlock()

		switch {
		case strings.EqualFold(action, "Login"):
			s.mu.Lock()
			ok := !s.rejectLogin && req.Get("Username") == s.Username && req.Get("Secret") == s.Secret
			if ok {
				s.logins++
				s.conns[c] = struct{}{}
				authed = true
			}
			s.mu.Unlock()
			if !ok {
				_ = c.send(withID(Error("Authentication failed"), req.ActionID()))
				return
			}
			_ = c.send(withID(Success(ami.H("Message", "Authentication accepted")), req.ActionID()))
		case !authed:
			_ = c.send(withID(Error("Permission denied"), req.ActionID()))
		case strings.EqualFold(action, "Logoff"):
			_ = c.send(withID(ami.Message{Headers: []ami.Header{ami.H("Response", "Goodbye")}}, req.ActionID()))
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
			return
		default:
			s.mu.Lock()
			h, ok := s.handlers[strings.ToLower(action)]
			s.mu.Unlock()
			if !ok {
				_ = c.send(withID(Error("Invalid/unknown command"), req.ActionID()))
				continue
			}
			out := h(req)
			for i, m := range out {
				if i == 0 {
					_ = c.send(withID(m, req.ActionID()))
					continue
				}
				_ = c.send(ami.Encode(m))
			}
		}
	}
}

func withID(m ami.Message, id string) []byte {
	if !m.Has("ActionID") && id != "" {
		m.Headers = append([]ami.Header{m.Headers[0], ami.H("ActionID", id)}, m.Headers[1:]...)
	}
	return ami.Encode(m)
}

// Emit writes an event to every logged-in connection.
func (s *Server) Emit(m ami.Message) {
	s.Raw(ami.Encode(m))
}

// Raw writes bytes verbatim to every logged-in connection.
func (s *Server) Raw(b []byte) {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.send(b)
	}
}

// Drop closes every live connection, simulating a transport loss.
func (s *Server) Drop() {
	s.mu.Lock()
	conns := s.conns
	s.conns = map[*conn]struct{}{}
	s.mu.Unlock()
	for c := range conns {
		_ = c.Close()
	}
}

// Actions returns every action received, logins included, filtered by name
// when name is non-empty.
func (s *Server) Actions(name string) []ami.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ami.Message, 0, len(s.actions))
	for _, a := range s.actions {
		if name == "" || strings.EqualFold(a.Get("Action"), name) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Success builds a "Response: Success" block.
func Success(extra ...ami.Header) ami.Message {
	return ami.Message{Headers: append([]ami.Header{ami.H("Response", "Success")}, extra...)}
}

// Error builds a "Response: Error" block.
func Error(msg string) ami.Message {
	return ami.Message{Headers: []ami.Header{ami.H("Response", "Error"), ami.H("Message", msg)}}
}

// Event builds an event block.
func Event(name string, headers ...ami.Header) ami.Message {
	return ami.Message{Headers: append([]ami.Header{ami.H("Event", name)}, headers...)}
}

// List answers a list action the way the switch does: a success response
// opening the event list, each item tagged with the request's ActionID,
// then the complete event. items is called per request.
func List(complete string, items func() []ami.Message) Handler {
	return func(req ami.Message) []ami.Message {
		id := req.ActionID()
		out := []ami.Message{Success(ami.H("EventList", "start"))}
		list := items()
		for _, m := range list {
			m.Headers = append(m.Headers, ami.H("ActionID", id))
			out = append(out, m)
		}
		out = append(out, Event(complete,
			ami.H("ActionID", id),
			ami.H("EventList", "Complete"),
			ami.H("ListItems", strconv.Itoa(len(list)))))
		return out
	}
}
