package ezproxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo: "), data...)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// dialThroughProxy opens a websocket to target with the TCP connection
// going to the proxy listener, so the upgrade reaches the relay.
func dialThroughProxy(c *ProxyCore, target string) (*websocket.Conn, *http.Response, error) {
	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
		NetDialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var nd net.Dialer
			return nd.DialContext(ctx, network, c.Addr().String())
		},
	}
	return d.Dial(target, nil)
}

func wsRecord(t *testing.T, r *Recorder) Record {
	t.Helper()
	flush(t, r)
	recs, err := r.Summary(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range recs {
		if rec.Protocol == "ws" {
			return rec
		}
	}
	t.Fatalf("no websocket record in %d records", len(recs))
	return Record{}
}

func TestWebSocket_RelayRecordsFrames(t *testing.T) {
	backend := newEchoServer(t)
	m := NewMetrics()
	rec := newTestRecorder(t, m)
	c, _ := startProxy(t, CoreConfig{Recorder: rec, WsIntercept: true, Metrics: m})

	target := "ws://" + backend.Listener.Addr().String() + "/chat"
	conn, resp, err := dialThroughProxy(c, target)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp.Header.Get(WebSocketHeader) != "true" {
		t.Errorf("missing %s header", WebSocketHeader)
	}

	for _, msg := range []string{"one", "two"} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatal(err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "echo: "+msg {
			t.Errorf("read %q", data)
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	got := wsRecord(t, rec)
	if got.URL != target || got.StatusCode != Int(http.StatusSwitchingProtocols) {
		t.Errorf("record = %+v", got)
	}

	frames, err := rec.WsFrames(got.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := []struct {
		msg      string
		toServer bool
	}{
		{"one", true},
		{"echo: one", false},
		{"two", true},
		{"echo: two", false},
	}
	if len(frames) != len(want) {
		t.Fatalf("frames = %+v", frames)
	}
	for i, w := range want {
		if frames[i].Message != w.msg || frames[i].IsToServer != w.toServer {
			t.Errorf("frame %d = %+v, want %q toServer=%v", i, frames[i], w.msg, w.toServer)
		}
	}
	if got := testutil.ToFloat64(m.wsFrames.WithLabelValues("to_server")); got != 2 {
		t.Errorf("to_server frames metric = %v", got)
	}
}

func TestWebSocket_UpstreamUnavailable(t *testing.T) {
	rec := newTestRecorder(t, nil)
	c, _ := startProxy(t, CoreConfig{Recorder: rec, WsIntercept: true})

	target := "ws://127.0.0.1:" + strconv.Itoa(freePort(t)) + "/gone"
	_, resp, err := dialThroughProxy(c, target)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadGateway {
		t.Errorf("resp = %+v", resp)
	}

	got := wsRecord(t, rec)
	if got.StatusCode != Int(http.StatusBadGateway) || got.InFlight() {
		t.Errorf("record = %+v", got)
	}
}

func TestWebSocket_NotInterceptedIsRejected(t *testing.T) {
	backend := newEchoServer(t)
	c, _ := startProxy(t, CoreConfig{})

	_, resp, err := dialThroughProxy(c, "ws://"+backend.Listener.Addr().String()+"/chat")
	if err == nil || !strings.Contains(err.Error(), "bad handshake") {
		t.Fatalf("err = %v, want bad handshake", err)
	}
	if resp != nil && resp.StatusCode == http.StatusSwitchingProtocols {
		t.Error("upgrade relayed without websocket interception")
	}
}

func TestWebSocket_UpstreamRefusalStatusMatchesRecord(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no sockets here", http.StatusForbidden)
	}))
	t.Cleanup(backend.Close)
	rec := newTestRecorder(t, nil)
	c, _ := startProxy(t, CoreConfig{Recorder: rec, WsIntercept: true})

	_, resp, err := dialThroughProxy(c, "ws://"+backend.Listener.Addr().String()+"/chat")
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp = %+v, want 403", resp)
	}

	got := wsRecord(t, rec)
	if got.StatusCode != Int(int64(resp.StatusCode)) {
		t.Errorf("recorded status %v, client saw %d", got.StatusCode, resp.StatusCode)
	}
}
