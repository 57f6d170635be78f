// Package testutil provides scripted fake relays for websocket tests.
package testutil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

var errEmptyFrame = errors.New("empty frame")

// ClientFrame is one parsed message received from a client connection.
type ClientFrame struct {
	// Type is the frame label: "EVENT", "REQ", or "CLOSE".
	Type string
	// SubID is set for REQ and CLOSE frames.
	SubID string
	// Event is set for EVENT frames.
	Event *nostr.Event
	// Filters is set for REQ frames.
	Filters []nostr.Filter
}

// FrameHandler scripts the relay's reaction to a client frame.
type FrameHandler func(s *Session, f ClientFrame)

// FakeRelay is an in-process relay speaking just enough of the wire
// protocol for pool, probe, and ingestor tests. Behavior per frame is
// supplied by the test; InfoJSON, when set, is served to information
// document requests on the same endpoint.
type FakeRelay struct {
	Server *httptest.Server

	// InfoJSON is returned for HTTP requests carrying the
	// application/nostr+json accept header.
	InfoJSON string

	onFrame  FrameHandler
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions []*Session
}

// AckAll answers EVENT with OK true and REQ with an immediate EOSE. It
// is the default behavior when no handler is given.
func AckAll(s *Session, f ClientFrame) {
	switch f.Type {
	case "EVENT":
		s.SendOK(f.Event.ID, true, "")
	case "REQ":
		s.SendEOSE(f.SubID)
	}
}

// NewFakeRelay starts a relay whose reaction to client frames is
// scripted by onFrame. Callers must Close it.
func NewFakeRelay(onFrame FrameHandler) *FakeRelay {
	if onFrame == nil {
		onFrame = AckAll
	}
	r := &FakeRelay{onFrame: onFrame}
	r.Server = httptest.NewServer(http.HandlerFunc(r.handle))
	return r
}

// URL returns the relay's ws:// endpoint.
func (r *FakeRelay) URL() string {
	return "ws" + strings.TrimPrefix(r.Server.URL, "http")
}

// Close shuts down all sessions and the listener.
func (r *FakeRelay) Close() {
	r.mu.Lock()
	sessions := append([]*Session(nil), r.sessions...)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
	r.Server.Close()
}

// Sessions returns the currently tracked client sessions.
func (r *FakeRelay) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Session(nil), r.sessions...)
}

// SessionCount returns how many sessions were ever accepted.
func (r *FakeRelay) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Broadcast sends a raw frame to every live session.
func (r *FakeRelay) Broadcast(frame []any) {
	for _, s := range r.Sessions() {
		s.send(frame)
	}
}

func (r *FakeRelay) handle(w http.ResponseWriter, req *http.Request) {
	if !websocket.IsWebSocketUpgrade(req) {
		if r.InfoJSON != "" && strings.Contains(req.Header.Get("Accept"), "application/nostr+json") {
			w.Header().Set("Content-Type", "application/nostr+json")
			w.Write([]byte(r.InfoJSON))
			return
		}
		http.Error(w, "websocket endpoint", http.StatusUpgradeRequired)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	s := &Session{conn: conn}
	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()

	go r.readLoop(s)
}

func (r *FakeRelay) readLoop(s *Session) {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.Close()
			return
		}
		frame, err := parseClientFrame(raw)
		if err != nil {
			continue
		}
		r.onFrame(s, frame)
	}
}

func parseClientFrame(raw []byte) (ClientFrame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ClientFrame{}, err
	}
	if len(parts) == 0 {
		return ClientFrame{}, errEmptyFrame
	}
	var f ClientFrame
	if err := json.Unmarshal(parts[0], &f.Type); err != nil {
		return ClientFrame{}, err
	}
	switch f.Type {
	case "EVENT":
		if len(parts) > 1 {
			f.Event = &nostr.Event{}
			if err := json.Unmarshal(parts[1], f.Event); err != nil {
				return ClientFrame{}, err
			}
		}
	case "REQ":
		if len(parts) > 1 {
			if err := json.Unmarshal(parts[1], &f.SubID); err != nil {
				return ClientFrame{}, err
			}
		}
		for _, part := range parts[2:] {
			var filter nostr.Filter
			if err := json.Unmarshal(part, &filter); err != nil {
				return ClientFrame{}, err
			}
			f.Filters = append(f.Filters, filter)
		}
	case "CLOSE":
		if len(parts) > 1 {
			if err := json.Unmarshal(parts[1], &f.SubID); err != nil {
				return ClientFrame{}, err
			}
		}
	}
	return f, nil
}

// Session is one accepted client connection.
type Session struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// SendOK emits ["OK", eventID, ok, reason].
func (s *Session) SendOK(eventID string, ok bool, reason string) {
	s.send([]any{"OK", eventID, ok, reason})
}

// SendEvent emits ["EVENT", subID, event].
func (s *Session) SendEvent(subID string, ev nostr.Event) {
	s.send([]any{"EVENT", subID, ev})
}

// SendEOSE emits ["EOSE", subID].
func (s *Session) SendEOSE(subID string) {
	s.send([]any{"EOSE", subID})
}

// SendClosed emits ["CLOSED", subID, reason].
func (s *Session) SendClosed(subID, reason string) {
	s.send([]any{"CLOSED", subID, reason})
}

// SendNotice emits ["NOTICE", msg].
func (s *Session) SendNotice(msg string) {
	s.send([]any{"NOTICE", msg})
}

// Close tears down the session's socket.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.conn.Close()
}

func (s *Session) send(frame []any) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.conn.WriteMessage(websocket.TextMessage, raw)
}
