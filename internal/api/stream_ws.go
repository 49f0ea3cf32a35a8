package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"geyserfeed/internal/codec"
	"geyserfeed/internal/selector"
	"geyserfeed/internal/stream"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type streamError struct {
	Error string `json:"error"`
}

// SubscribeWSHandler handles /v1/subscribe. The first frame is always the
// subscribe response; the stream follows in publish order. Query:
// encoding=json|cbor, accounts and owners narrow account writes for this
// connection only.
func (s *Server) SubscribeWSHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	wire, err := codec.NewWire(r.URL.Query().Get("encoding"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid encoding", err.Error(), r.URL.Path)
		return
	}
	hint, err := hintFromQuery(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid filter", err.Error(), r.URL.Path)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub, err := s.Streams.Subscribe(ctx, stream.SubscribeOptions{Hint: hint})
	if err != nil {
		closeWS(conn, websocket.CloseTryAgainLater, err.Error())
		return
	}
	defer sub.Close()
	log := s.logger().With("subscription", sub.ID())

	// Read loop: only control frames are expected. Any read error means the
	// peer is gone.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		conn.SetReadLimit(1 << 10)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	defer func() {
		_ = conn.Close()
		<-readDone
	}()

	msgType := websocket.TextMessage
	if wire.Binary() {
		msgType = websocket.BinaryMessage
	}
	ticker := time.NewTicker(s.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case u, ok := <-sub.Updates():
			if !ok {
				s.finishWS(conn, sub)
				return
			}
			data, err := wire.Marshal(u)
			if err != nil {
				log.Error("encode update", "kind", u.Kind(), "err", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(msgType, data); err != nil {
				log.Debug("peer gone", "err", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				log.Debug("peer gone", "err", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// finishWS tells the peer why the stream ended.
func (s *Server) finishWS(conn *websocket.Conn, sub *stream.Subscription) {
	<-sub.Done()
	err := sub.Err()
	switch sub.State() {
	case stream.StateLagged:
		b, _ := json.Marshal(streamError{Error: err.Error()})
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = conn.WriteMessage(websocket.TextMessage, b)
		closeWS(conn, websocket.CloseInternalServerErr, err.Error())
	case stream.StateErrored:
		closeWS(conn, websocket.CloseGoingAway, "server shutting down")
	default:
		closeWS(conn, websocket.CloseNormalClosure, "")
	}
}

func closeWS(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

// hintFromQuery builds the per-connection filter from accounts and owners
// query values, comma separated or repeated. No values means no filter.
func hintFromQuery(r *http.Request) (*selector.Selector, error) {
	q := r.URL.Query()
	accounts := splitList(q["accounts"])
	owners := splitList(q["owners"])
	if len(accounts) == 0 && len(owners) == 0 {
		return nil, nil
	}
	return selector.New(accounts, owners)
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
