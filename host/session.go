package host

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbocsi/hostlink/proto"
)

const (
	KindWebSocket = "websocket"
	KindHTTP      = "http"

	outboxSize = 64
	maxLogs    = 256
)

// LogEntry is something a client reported through log, logerr or except.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Command string    `json:"command"`
	Text    string    `json:"text"`
}

// SessionInfo is the exported view of a session.
type SessionInfo struct {
	ID        string    `json:"id"`
	AjaxID    string    `json:"ajax_id,omitempty"`
	Kind      string    `json:"kind"`
	PageURL   string    `json:"page_url"`
	Plugins   []string  `json:"plugins"`
	Connected bool      `json:"connected"`
	Closed    bool      `json:"closed"`
	Created   time.Time `json:"created"`
	LastSeen  time.Time `json:"last_seen"`
}

// Session is one client known to the host.
type Session struct {
	id      string
	ajaxID  string
	kind    string
	pageURL string
	plugins []string
	created time.Time

	mu       sync.Mutex
	conn     *socketConn // websocket sessions only
	outbox   chan proto.InboundCall
	logs     []LogEntry
	closed   bool
	lastSeen time.Time
}

func newSession(kind, pageURL string, plugins []string) *Session {
	now := time.Now()
	s := &Session{
		id:       uuid.NewString(),
		kind:     kind,
		pageURL:  pageURL,
		plugins:  plugins,
		created:  now,
		lastSeen: now,
	}
	if kind == KindHTTP {
		s.ajaxID = uuid.NewString()
		s.outbox = make(chan proto.InboundCall, outboxSize)
	}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:        s.id,
		AjaxID:    s.ajaxID,
		Kind:      s.kind,
		PageURL:   s.pageURL,
		Plugins:   append([]string(nil), s.plugins...),
		Connected: !s.closed && (s.kind == KindHTTP || s.conn != nil),
		Closed:    s.closed,
		Created:   s.created,
		LastSeen:  s.lastSeen,
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) record(command, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, LogEntry{Time: time.Now(), Command: command, Text: text})
	if len(s.logs) > maxLogs {
		s.logs = s.logs[len(s.logs)-maxLogs:]
	}
}

// Logs returns what the client reported, oldest first.
func (s *Session) Logs() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LogEntry(nil), s.logs...)
}

func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Session) bind(conn *socketConn) {
	s.mu.Lock()
	s.conn = conn
	s.closed = false
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// unbind forgets conn if it is still the session's connection.
func (s *Session) unbind(conn *socketConn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
}

func (s *Session) connection() *socketConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// push delivers an inbound call to the client.
func (s *Session) push(call proto.InboundCall) error {
	if s.Info().Closed {
		return ErrSessionClosed
	}
	if s.kind == KindHTTP {
		select {
		case s.outbox <- call:
			return nil
		default:
			return ErrOutboxFull
		}
	}
	conn := s.connection()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := encode(call)
	if err != nil {
		return err
	}
	return conn.send(proto.Message{Command: proto.CommandFrom, CommandData: data})
}

// sessionRegistry is the set of live sessions keyed by id.
type sessionRegistry struct {
	mu    sync.RWMutex
	store map[string]*Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{store: make(map[string]*Session)}
}

func (r *sessionRegistry) Store(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store[s.id] = s
}

func (r *sessionRegistry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.store[id]
	return s, ok
}

func (r *sessionRegistry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.store, id)
}

func (r *sessionRegistry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*Session, 0, len(r.store))
	for _, s := range r.store {
		sessions = append(sessions, s)
	}
	return sessions
}
