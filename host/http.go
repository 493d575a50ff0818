package host

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mbocsi/hostlink/codec"
	"github.com/mbocsi/hostlink/proto"
)

const maxBodySize = 1 << 20

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Host) handleInit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := proto.InitRequest{URL: q.Get("url")}
	if plugins := q.Get("plugins"); plugins != "" {
		req.Plugins = strings.Split(plugins, "&")
	}
	if data := q.Get("data"); data != "" {
		if err := codec.DecodeInto(data, &req.Data); err != nil {
			http.Error(w, "malformed init data", http.StatusBadRequest)
			return
		}
	}
	req.IsTopLevel, _ = strconv.ParseBool(q.Get("isTopLevel"))

	_, resp := h.open(KindHTTP, req)
	writeJSON(w, resp)
}

// sessionFor resolves the session addressed by the request path.
func (h *Host) sessionFor(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	s, ok := h.sessions.Get(chi.URLParam(r, "sessionID"))
	if !ok || s.kind != KindHTTP || s.ajaxID != chi.URLParam(r, "ajaxID") {
		http.NotFound(w, r)
		return nil, false
	}
	return s, true
}

// handlePoll answers a ping-pong poll with the next queued call, if any.
func (h *Host) handlePoll(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFor(w, r)
	if !ok {
		return
	}
	s.touch()
	select {
	case call := <-s.outbox:
		writeJSON(w, proto.Response{Method: call.Method, Parameters: call.Parameters})
	default:
		writeJSON(w, proto.Response{})
	}
}

// handleLongWait holds the request until a call is queued or the wait
// expires.
func (h *Host) handleLongWait(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFor(w, r)
	if !ok {
		return
	}
	s.touch()
	timer := time.NewTimer(h.opts.LongWait)
	defer timer.Stop()

	select {
	case call := <-s.outbox:
		writeJSON(w, proto.Response{Method: call.Method, Parameters: call.Parameters})
	case <-timer.C:
		writeJSON(w, proto.Response{})
	case <-r.Context().Done():
	}
}

func (h *Host) handleCommand(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFor(w, r)
	if !ok {
		return
	}
	data := ""
	if r.Method == http.MethodPost {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}
		data = string(body)
	}
	resp := h.handle(s, chi.URLParam(r, "command"), chi.URLParam(r, "attribute"), data)
	writeJSON(w, resp)
}
