package ezproxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketHeader marks upgrade responses produced by the proxy.
const WebSocketHeader = "x-proxy-websocket"

const wsWriteTimeout = 15 * time.Second

// ServeWebSocket relays a websocket session between the client and its
// upstream, recording the handshake and every data frame.
func (h *RequestHandler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	protocol := "ws"
	if r.TLS != nil || r.URL.Scheme == "https" || r.URL.Scheme == "wss" {
		protocol = "wss"
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	target := protocol + "://" + host + r.URL.RequestURI()

	if h.metrics != nil {
		h.metrics.RecordRequest(r.Method, protocol)
	}
	ex := &Exchange{
		URL:       target,
		Host:      host,
		Path:      r.URL.RequestURI(),
		Method:    r.Method,
		Protocol:  protocol,
		ReqHeader: r.Header.Clone(),
		StartTime: start,
	}
	id := h.recorder.Append(ex)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		NetDialContext:   (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
	}
	if h.upstream != nil {
		dialer.Proxy = h.upstream.ProxyFunc()
	}
	if protocol == "wss" && h.insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	hdr := http.Header{}
	for _, name := range []string{"Authorization", "Cookie", "Origin", "User-Agent", "Referer", "Sec-WebSocket-Protocol"} {
		if v := r.Header.Get(name); v != "" {
			hdr.Set(name, v)
		}
	}

	upstream, resp, err := dialer.DialContext(r.Context(), target, hdr)
	if err != nil {
		status := http.StatusBadGateway
		if resp != nil {
			// An upstream refusal is passed on; anything else is a bad gateway.
			if resp.StatusCode >= http.StatusBadRequest {
				status = resp.StatusCode
			}
			_ = resp.Body.Close()
		}
		h.logger.Warn("websocket upstream dial failed", "url", target, "error", err)
		if h.metrics != nil {
			h.metrics.RecordUpstreamError(hostOnly(host))
		}
		http.Error(w, "Proxy Error: "+err.Error(), status)
		h.finishWebSocket(id, ex, status, nil)
		return
	}

	respHeader := http.Header{}
	respHeader.Set(WebSocketHeader, "true")
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	if sp := upstream.Subprotocol(); sp != "" {
		upgrader.Subprotocols = []string{sp}
	}
	client, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "url", target, "error", err)
		_ = upstream.Close()
		h.finishWebSocket(id, ex, http.StatusBadRequest, nil)
		return
	}

	h.finishWebSocket(id, ex, http.StatusSwitchingProtocols, resp.Header)
	h.logger.Debug("websocket relay started", "id", id, "url", target)

	var wg sync.WaitGroup
	wg.Add(2)
	go h.pipeWebSocket(&wg, id, client, upstream, true)
	go h.pipeWebSocket(&wg, id, upstream, client, false)
	wg.Wait()
	h.logger.Debug("websocket relay closed", "id", id)
}

func (h *RequestHandler) finishWebSocket(id int64, ex *Exchange, status int, header http.Header) {
	ex.StatusCode = status
	ex.ResHeader = header
	ex.EndTime = time.Now()
	h.recorder.Update(id, ex)
}

// pipeWebSocket copies messages from src to dst until either side fails,
// recording each data frame before it is forwarded.
func (h *RequestHandler) pipeWebSocket(wg *sync.WaitGroup, id int64, src, dst *websocket.Conn, toServer bool) {
	defer wg.Done()
	defer func() {
		_ = src.Close()
		_ = dst.Close()
	}()
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				msg := websocket.FormatCloseMessage(ce.Code, ce.Text)
				_ = dst.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			}
			return
		}
		h.recorder.AppendWsFrame(id, WsFrame{
			Time:       time.Now().UnixMilli(),
			Message:    string(data),
			IsToServer: toServer,
		})
		_ = dst.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := dst.WriteMessage(mt, data); err != nil {
			return
		}
	}
}
