package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soaringjerry/NormLab/internal/services"
)

const (
	wsReadLimit  = maxBodyBytes
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 90 * time.Second
	wsPingPeriod = 30 * time.Second
)

// wsFrame is both directions of the conversation socket.
//
//	client: {"type":"open"} | {"type":"message","text":"..."}
//	server: {"type":"delta","text":"..."} then {"type":"turn",...} or {"type":"error",...}
type wsFrame struct {
	Type       string       `json:"type"`
	Text       string       `json:"text,omitempty"`
	Reply      string       `json:"reply,omitempty"`
	Terminated bool         `json:"terminated,omitempty"`
	Session    *sessionView `json:"session,omitempty"`
	Code       string       `json:"code,omitempty"`
	Error      string       `json:"error,omitempty"`
}

func originChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := map[string]bool{}
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.TrimSpace(o)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if allowed[origin] {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}

// GET /api/sessions/{handle}/ws streams conversation turns token by token.
// Each frame is handled to completion before the next is read, so deltas and
// the final turn frame are written from this goroutine only.
func (rt *Router) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	if _, err := rt.sessions.Get(r.Context(), handle); err != nil {
		rt.writeError(w, r, err)
		return
	}
	conn, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rt.logger.Debug("websocket upgrade failed", "handle", handle, "err", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	frames := make(chan wsFrame)
	go func() {
		defer close(frames)
		for {
			var in wsFrame
			if err := conn.ReadJSON(&in); err != nil {
				cancel()
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
			select {
			case frames <- in:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case in, ok := <-frames:
			if !ok {
				return
			}
			if err := rt.serveFrame(ctx, conn, handle, in); err != nil {
				rt.logger.Debug("websocket write failed", "handle", handle, "err", err)
				return
			}
		}
	}
}

func (rt *Router) serveFrame(ctx context.Context, conn *websocket.Conn, handle string, in wsFrame) error {
	send := func(f wsFrame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(f)
	}
	var writeErr error
	onDelta := func(text string) {
		if writeErr == nil {
			writeErr = send(wsFrame{Type: "delta", Text: text})
		}
	}

	var res services.TurnResult
	m, err := rt.withMachine(ctx, handle, func(m *services.Machine) error {
		var err error
		switch in.Type {
		case "open":
			res, err = m.OpenConversation(ctx)
		case "message":
			res, err = m.SendMessageStream(ctx, in.Text, onDelta)
		default:
			err = services.NewInvalidError("unknown frame type " + in.Type)
		}
		return err
	})
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		_, body := rt.errorPayload(ctx, err)
		return send(wsFrame{Type: "error", Code: body.Code, Error: body.Error})
	}
	v := rt.view(m)
	return send(wsFrame{Type: "turn", Reply: res.Reply, Terminated: res.Terminated, Session: &v})
}
