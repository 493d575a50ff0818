package host

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbocsi/hostlink/codec"
	"github.com/mbocsi/hostlink/proto"
)

func newTestHost(t *testing.T, opts Options) (*Host, *httptest.Server) {
	t.Helper()
	if opts.Plugins == nil {
		opts.Plugins = map[string]proto.PluginSettings{
			"pc": {Settings: json.RawMessage(`{"k":1}`)},
		}
	}
	h := New(opts)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return h, srv
}

func dialSocket(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	addr := "ws" + strings.TrimPrefix(srv.URL, "http") + "/hostlink/websocket"
	ws, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		t.Fatalf("Failed to dial host: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func writeMsg(t *testing.T, ws *websocket.Conn, msg proto.Message) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(codec.MustEncode(msg))); err != nil {
		t.Fatalf("Failed to write message: %v", err)
	}
}

func readMsg(t *testing.T, ws *websocket.Conn) proto.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg proto.Message
	if err := codec.DecodeInto(string(data), &msg); err != nil {
		t.Fatalf("Invalid message %q: %v", data, err)
	}
	return msg
}

func socketHandshake(t *testing.T, ws *websocket.Conn, plugins ...string) proto.InitResponse {
	t.Helper()
	req := proto.InitRequest{URL: "https://page.test/", Plugins: plugins, IsTopLevel: true}
	writeMsg(t, ws, proto.Message{CallID: 1, Command: proto.CommandInit, CommandData: codec.MustEncode(req)})
	reply := readMsg(t, ws)
	if reply.CallID != 1 {
		t.Fatalf("Expected reply to call 1, got %d", reply.CallID)
	}
	var resp proto.InitResponse
	if err := codec.DecodeInto(reply.CommandData, &resp); err != nil {
		t.Fatalf("Invalid init response: %v", err)
	}
	return resp
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSocketHandshake(t *testing.T) {
	h, srv := newTestHost(t, Options{})
	ws := dialSocket(t, srv)

	resp := socketHandshake(t, ws, "pc", "ua")
	if resp.SessionID == "" {
		t.Fatal("Expected a session id")
	}
	if resp.PollingMode != "" || resp.AjaxID != "" {
		t.Errorf("Socket sessions carry no polling fields, got %+v", resp)
	}
	if len(resp.Plugins) != 1 || resp.Plugins[0].Name != "pc" {
		t.Fatalf("Expected settings for pc only, got %+v", resp.Plugins)
	}
	if string(resp.Plugins[0].Settings) != `{"k":1}` {
		t.Errorf("Unexpected settings %s", resp.Plugins[0].Settings)
	}

	info := h.Sessions()
	if len(info) != 1 || info[0].ID != resp.SessionID {
		t.Fatalf("Expected one session, got %+v", info)
	}
	if info[0].Kind != KindWebSocket || !info[0].Connected || info[0].PageURL != "https://page.test/" {
		t.Errorf("Unexpected session info %+v", info[0])
	}
}

func TestSocketCommands(t *testing.T) {
	seen := make(chan string, 4)
	h, srv := newTestHost(t, Options{
		OnCall: func(_ SessionInfo, method, parameters string) (string, error) {
			seen <- method
			if method == "pc.fail" {
				return "", errors.New("refused")
			}
			return `"ok:` + parameters + `"`, nil
		},
	})
	ws := dialSocket(t, srv)
	resp := socketHandshake(t, ws, "pc")

	call := proto.OutboundCall{Method: "pc.check", Parameters: "[1]"}
	writeMsg(t, ws, proto.Message{CallID: 2, Command: proto.CommandTo, CommandAttribute: "pc.check", CommandData: codec.MustEncode(call)})
	reply := readMsg(t, ws)
	var r proto.Response
	codec.DecodeInto(reply.CommandData, &r)
	if reply.CallID != 2 || r.Result != 0 || r.Parameters != `"ok:[1]"` {
		t.Errorf("Unexpected reply %+v / %+v", reply, r)
	}

	writeMsg(t, ws, proto.Message{CallID: 3, Command: proto.CommandTo, CommandAttribute: "pc.fail", CommandData: codec.MustEncode(proto.OutboundCall{Method: "pc.fail"})})
	reply = readMsg(t, ws)
	codec.DecodeInto(reply.CommandData, &r)
	if r.Result != ResultError || r.Parameters != `"refused"` {
		t.Errorf("Expected failure reply, got %+v", r)
	}

	writeMsg(t, ws, proto.Message{Command: proto.CommandLog, CommandData: "hello"})
	writeMsg(t, ws, proto.Message{CallID: 4, Command: proto.CommandStart, CommandAttribute: "pc"})
	reply = readMsg(t, ws)
	codec.DecodeInto(reply.CommandData, &r)
	var settings proto.PluginSettings
	if err := codec.DecodeInto(r.Parameters, &settings); err != nil || settings.Name != "pc" {
		t.Errorf("Expected pc settings, got %q (%v)", r.Parameters, err)
	}

	s, _ := h.Session(resp.SessionID)
	logs := s.Logs()
	if len(logs) != 1 || logs[0].Command != proto.CommandLog || logs[0].Text != "hello" {
		t.Errorf("Expected logged line, got %+v", logs)
	}
	if len(seen) != 2 {
		t.Errorf("Expected 2 calls handled, got %d", len(seen))
	}
}

func TestSocketMessageBeforeHandshake(t *testing.T) {
	h, srv := newTestHost(t, Options{})
	ws := dialSocket(t, srv)

	writeMsg(t, ws, proto.Message{CallID: 7, Command: proto.CommandTo, CommandAttribute: "pc.check"})
	resp := socketHandshake(t, ws)
	if resp.SessionID == "" {
		t.Fatal("Expected the connection to survive a dropped message")
	}
	if len(h.Sessions()) != 1 {
		t.Errorf("Expected one session")
	}
}

func TestSocketPushAndReconnect(t *testing.T) {
	h, srv := newTestHost(t, Options{})
	ws := dialSocket(t, srv)
	resp := socketHandshake(t, ws, "pc")

	if err := h.Push(resp.SessionID, "pc.show", map[string]int{"x": 1}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	msg := readMsg(t, ws)
	var call proto.InboundCall
	codec.DecodeInto(msg.CommandData, &call)
	if msg.Command != proto.CommandFrom || call.Method != "pc.show" || call.Parameters != `{"x":1}` {
		t.Errorf("Unexpected push %+v / %+v", msg, call)
	}

	if err := h.Reconnect(resp.SessionID); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	msg = readMsg(t, ws)
	if msg.Command != proto.CommandReconnect || msg.CommandData != resp.SessionID {
		t.Errorf("Unexpected reconnect message %+v", msg)
	}
	if err := h.Push(resp.SessionID, "pc.show", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected before restore, got %v", err)
	}

	ws2 := dialSocket(t, srv)
	writeMsg(t, ws2, proto.Message{Command: proto.CommandRestore, CommandData: msg.CommandData})
	s, _ := h.Session(resp.SessionID)
	waitFor(t, func() bool { return s.Info().Connected })

	if err := h.Push(resp.SessionID, "pc.show", nil); err != nil {
		t.Fatalf("Push after restore failed: %v", err)
	}
	msg = readMsg(t, ws2)
	if msg.Command != proto.CommandFrom {
		t.Errorf("Expected push on the new connection, got %+v", msg)
	}
}

func TestPushErrors(t *testing.T) {
	h, _ := newTestHost(t, Options{})

	if err := h.Push("missing", "pc.show", nil); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
	if err := h.Reconnect("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}

	s, _ := h.open(KindHTTP, proto.InitRequest{})
	if err := h.Reconnect(s.id); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Expected ErrNotSupported, got %v", err)
	}
	for i := 0; i < outboxSize; i++ {
		if err := h.Push(s.id, "pc.show", nil); err != nil {
			t.Fatalf("Push %d failed: %v", i, err)
		}
	}
	if err := h.Push(s.id, "pc.show", nil); !errors.Is(err, ErrOutboxFull) {
		t.Errorf("Expected ErrOutboxFull, got %v", err)
	}

	h.handle(s, proto.CommandShutdown, "", "")
	if err := h.Push(s.id, "pc.show", nil); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
}

func TestForget(t *testing.T) {
	h, srv := newTestHost(t, Options{})
	ws := dialSocket(t, srv)
	resp := socketHandshake(t, ws)

	if err := h.Forget(resp.SessionID); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if _, ok := h.Session(resp.SessionID); ok {
		t.Error("Expected session to be gone")
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("Expected the connection to be closed")
	}
	if err := h.Forget(resp.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func getJSON(t *testing.T, rawURL string, v any) int {
	t.Helper()
	resp, err := http.Get(rawURL)
	if err != nil {
		t.Fatalf("GET %s: %v", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("Invalid body from %s: %v", rawURL, err)
		}
	}
	return resp.StatusCode
}

func httpHandshake(t *testing.T, srv *httptest.Server) proto.InitResponse {
	t.Helper()
	q := url.Values{}
	q.Set("url", "https://page.test/")
	q.Set("plugins", "pc&ua")
	q.Set("data", `{"data":[{"plugin":"pc","parameters":"{\"v\":1}"}]}`)
	q.Set("isTopLevel", "true")

	var resp proto.InitResponse
	if code := getJSON(t, srv.URL+"/hostlink/init?"+q.Encode(), &resp); code != http.StatusOK {
		t.Fatalf("Init failed with status %d", code)
	}
	return resp
}

func TestHTTPHandshake(t *testing.T) {
	h, srv := newTestHost(t, Options{})
	resp := httpHandshake(t, srv)

	if resp.SessionID == "" || resp.AjaxID == "" {
		t.Fatalf("Expected session and ajax ids, got %+v", resp)
	}
	if resp.PollingMode != proto.ModePingPong {
		t.Errorf("Expected ping-pong, got %q", resp.PollingMode)
	}
	if len(resp.Plugins) != 1 || resp.Plugins[0].Name != "pc" {
		t.Errorf("Expected settings for pc only, got %+v", resp.Plugins)
	}

	s, _ := h.Session(resp.SessionID)
	info := s.Info()
	if info.Kind != KindHTTP || len(info.Plugins) != 2 {
		t.Errorf("Unexpected session %+v", info)
	}
	logs := s.Logs()
	if len(logs) != 1 || logs[0].Text != `pc: {"v":1}` {
		t.Errorf("Expected init data recorded, got %+v", logs)
	}

	resp2, err := http.Get(srv.URL + "/hostlink/init?data=notjson")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed data, got %d", resp2.StatusCode)
	}
}

func TestHTTPPollAndCommands(t *testing.T) {
	h, srv := newTestHost(t, Options{})
	resp := httpHandshake(t, srv)
	base := srv.URL + "/" + resp.AjaxID + "/" + resp.SessionID

	var r proto.Response
	getJSON(t, base+"/from?get=&nocache=1", &r)
	if r.Method != "" {
		t.Errorf("Expected empty poll, got %+v", r)
	}

	h.Push(resp.SessionID, "pc.show", []int{1})
	r = proto.Response{}
	getJSON(t, base+"/from?get=", &r)
	if r.Method != "pc.show" || r.Parameters != "[1]" {
		t.Errorf("Expected queued call, got %+v", r)
	}

	body := codec.MustEncode(proto.OutboundCall{Method: "pc.check", Parameters: `{"a":2}`})
	post, err := http.Post(base+"/to/pc.check", "text/plain", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(post.Body)
	post.Body.Close()
	r = proto.Response{}
	json.Unmarshal(data, &r)
	if r.Result != 0 || r.Parameters != `{"a":2}` {
		t.Errorf("Expected echoed parameters, got %s", data)
	}

	post, err = http.Post(base+"/log", "text/plain", strings.NewReader("line"))
	if err != nil {
		t.Fatal(err)
	}
	post.Body.Close()
	s, _ := h.Session(resp.SessionID)
	logs := s.Logs()
	if last := logs[len(logs)-1]; last.Command != proto.CommandLog || last.Text != "line" {
		t.Errorf("Expected log recorded, got %+v", last)
	}

	getJSON(t, base+"/shutdown?get=", nil)
	if !s.Info().Closed {
		t.Error("Expected session closed after shutdown")
	}

	if code := getJSON(t, srv.URL+"/wrong/"+resp.SessionID+"/from", nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for wrong ajax id, got %d", code)
	}
}

func TestHTTPLongWait(t *testing.T) {
	h, srv := newTestHost(t, Options{PollingMode: proto.ModeLongWait, LongWait: 50 * time.Millisecond})
	resp := httpHandshake(t, srv)
	if resp.PollingMode != proto.ModeLongWait {
		t.Fatalf("Expected long-wait, got %q", resp.PollingMode)
	}
	base := srv.URL + "/" + resp.AjaxID + "/" + resp.SessionID

	start := time.Now()
	var r proto.Response
	getJSON(t, base+"/longpooling?get=", &r)
	if r.Method != "" || time.Since(start) < 50*time.Millisecond {
		t.Errorf("Expected an empty answer after the wait, got %+v", r)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		h.Push(resp.SessionID, "pc.show", nil)
	}()
	r = proto.Response{}
	getJSON(t, base+"/longpooling?get=", &r)
	if r.Method != "pc.show" {
		t.Errorf("Expected pushed call, got %+v", r)
	}
}

func TestUnknownCommand(t *testing.T) {
	h, _ := newTestHost(t, Options{})
	s, _ := h.open(KindHTTP, proto.InitRequest{})

	r := h.handle(s, "bogus", "", "")
	if r.Result != ResultError {
		t.Errorf("Expected failure, got %+v", r)
	}
	r = h.handle(s, proto.CommandStart, "nope", "")
	if r.Result != ResultError {
		t.Errorf("Expected failure for unknown plugin, got %+v", r)
	}
	r = h.handle(s, proto.CommandTo, "pc.x", "{broken")
	if r.Result != ResultError {
		t.Errorf("Expected failure for malformed call, got %+v", r)
	}
}

func TestPortOf(t *testing.T) {
	tests := []struct {
		addr    string
		want    int
		wantErr bool
	}{
		{":8080", 8080, false},
		{"127.0.0.1:9000", 9000, false},
		{"localhost", 0, true},
		{":0", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			got, err := portOf(tt.addr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("portOf(%q) error = %v, wantErr %v", tt.addr, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("portOf(%q) = %d, want %d", tt.addr, got, tt.want)
			}
		})
	}
}
