package host_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/mbocsi/hostlink/client"
	"github.com/mbocsi/hostlink/clock"
	"github.com/mbocsi/hostlink/eventloop"
	"github.com/mbocsi/hostlink/host"
	"github.com/mbocsi/hostlink/proto"
	"github.com/mbocsi/hostlink/transport"
)

type harness struct {
	h     *host.Host
	s     *client.Session
	shows chan any
}

// startPair runs a host and a client session connected to it over the
// named transport.
func startPair(t *testing.T, kind string, hostOpts host.Options) *harness {
	t.Helper()
	hostOpts.Plugins = map[string]proto.PluginSettings{"pc": {Settings: json.RawMessage(`{"k":1}`)}}
	h := host.New(hostOpts)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)

	loop := eventloop.New(clock.Real())
	opts := transport.Options{
		BaseURL:   srv.URL,
		Signature: "hostlink",
		PageURL:   "https://page.test/",
		MaxPoll:   50 * time.Millisecond,
	}
	strategy := transport.Strategy{Name: kind, New: func() transport.Transport {
		if kind == host.KindWebSocket {
			return transport.NewSocketTransport(loop, opts)
		}
		return transport.NewHTTPTransport(loop, opts)
	}}
	s := client.NewSession(loop, transport.NewSelector(nil, strategy), client.Options{MaxPoll: 50 * time.Millisecond})

	hs := &harness{h: h, s: s, shows: make(chan any, 8)}
	s.AddRunner(client.Runner{
		Name: "pc",
		Run: func(s *client.Session, settings any, _ map[string]string) {
			s.InitializePlugin(func(api client.PluginAPI) {
				if err := api.Activate("pc", nil, nil); err != nil {
					t.Errorf("Activate failed: %v", err)
					return
				}
				api.RegisterMethod("pc.show", func(params any) error {
					hs.shows <- params
					return nil
				})
			})
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		s.Do(s.Close)
		cancel()
		<-done
	})

	s.Post(s.Start)
	waitFor(t, func() bool {
		ready := false
		s.Do(func() {
			ready = s.State() == client.Active && s.Registry() != nil && len(s.Registry().Plugins()) == 1
		})
		return ready
	})
	return hs
}

func (hs *harness) sessionID() string {
	var id string
	hs.s.Do(func() { id = hs.s.SessionID() })
	return id
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for condition")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting on channel")
	}
	var zero T
	return zero
}

func (hs *harness) roundTrip(t *testing.T) {
	t.Helper()
	id := hs.sessionID()
	if err := hs.h.Push(id, "pc.show", map[string]int{"x": 1}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	got := receive(t, hs.shows)
	if !reflect.DeepEqual(got, map[string]any{"x": float64(1)}) {
		t.Errorf("Unexpected parameters %#v", got)
	}

	replies := make(chan client.Reply, 1)
	hs.s.Do(func() {
		hs.s.Call("echo.m", []any{1, "a"}, func(r client.Reply) { replies <- r }, func(err error) {
			t.Errorf("Call failed: %v", err)
		})
	})
	reply := receive(t, replies)
	if !reflect.DeepEqual(reply.Parameters, []any{float64(1), "a"}) {
		t.Errorf("Unexpected reply %#v", reply)
	}
}

func TestEndToEndWebSocket(t *testing.T) {
	hs := startPair(t, host.KindWebSocket, host.Options{})
	hs.roundTrip(t)

	id := hs.sessionID()
	s, ok := hs.h.Session(id)
	if !ok || s.Info().Kind != host.KindWebSocket {
		t.Fatalf("Expected a websocket session for %s", id)
	}

	if err := hs.h.Reconnect(id); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	waitFor(t, func() bool { return s.Info().Connected })
	hs.roundTrip(t)
	if hs.sessionID() != id {
		t.Error("Expected the session to survive a reconnect")
	}
}

func TestEndToEndPingPong(t *testing.T) {
	hs := startPair(t, host.KindHTTP, host.Options{})
	hs.roundTrip(t)

	var mode string
	hs.s.Do(func() { mode = hs.s.Mode() })
	if mode != proto.ModePingPong {
		t.Errorf("Expected ping-pong mode, got %q", mode)
	}

	hs.s.Do(func() { hs.s.Log("from client") })
	s, _ := hs.h.Session(hs.sessionID())
	waitFor(t, func() bool {
		for _, entry := range s.Logs() {
			if entry.Command == proto.CommandLog && entry.Text == "from client" {
				return true
			}
		}
		return false
	})

	hs.s.Do(hs.s.Close)
	waitFor(t, func() bool { return s.Info().Closed })
}

func TestEndToEndLongWait(t *testing.T) {
	hs := startPair(t, host.KindHTTP, host.Options{PollingMode: proto.ModeLongWait, LongWait: 100 * time.Millisecond})

	var mode string
	hs.s.Do(func() { mode = hs.s.Mode() })
	if mode != proto.ModeLongWait {
		t.Fatalf("Expected long-wait mode, got %q", mode)
	}
	hs.roundTrip(t)
	hs.roundTrip(t)
}
