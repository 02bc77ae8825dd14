package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/companion/internal/logging"
	"github.com/ent0n29/companion/internal/protocol"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 1 << 20
)

func (s *Server) handleTurnSSE(w http.ResponseWriter, r *http.Request) {
	var req protocol.TurnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := validateStruct(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot stream")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	writeOK := true
	for ev := range s.Turns.Run(r.Context(), req) {
		if !writeOK {
			continue
		}
		if err := writeSSE(w, ev); err != nil {
			logging.FromCtx(r.Context()).Debug().Err(err).Msg("sse client went away")
			writeOK = false
			continue
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, ev protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.EventType(), data)
	return err
}

// handleTurnWS serves turns over one websocket. Every turn_request starts a
// turn whose events are written back as JSON frames; turn_cancel stops one
// turn, or every running turn when turn_id is empty.
func (s *Server) handleTurnWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	logger := logging.FromCtx(ctx)

	outbound := make(chan any, 256)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					logger.Debug().Err(err).Msg("websocket write failed")
					cancel()
					return
				}
				if ev, ok := msg.(protocol.Event); ok {
					s.observeWS("outbound", string(ev.EventType()))
				}
			}
		}
	}()

	send := func(msg any) bool {
		select {
		case outbound <- msg:
			return true
		case <-ctx.Done():
			return false
		}
	}

	turns := newTurnRegistry()
	var wg sync.WaitGroup

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.observeWS("inbound", "invalid")
			send(protocol.Error{
				Type:   protocol.TypeError,
				Code:   "invalid_client_message",
				Source: protocol.SourceInput,
				Detail: err.Error(),
			})
			continue
		}

		switch msg := parsed.(type) {
		case protocol.TurnRequest:
			s.observeWS("inbound", string(protocol.TypeTurnRequest))
			if err := validateStruct(msg); err != nil {
				send(protocol.Error{Type: protocol.TypeError, Code: "invalid_request", Source: protocol.SourceInput, Detail: err.Error()})
				continue
			}
			if msg.TurnID == "" {
				msg.TurnID = uuid.NewString()
			}
			turnCtx, turnCancel := context.WithCancel(ctx)
			// Registered before the turn starts so a turn still queued on
			// its conversation can be cancelled by id.
			if !turns.add(msg.TurnID, turnCancel) {
				turnCancel()
				send(protocol.Error{
					Type:   protocol.TypeError,
					TurnID: msg.TurnID,
					Code:   "invalid_request",
					Source: protocol.SourceInput,
					Detail: "turn_id is already running",
				})
				continue
			}
			events := s.Turns.Run(turnCtx, msg)
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				defer turnCancel()
				for ev := range events {
					send(ev)
				}
				turns.remove(id)
			}(msg.TurnID)
		case protocol.TurnCancel:
			s.observeWS("inbound", string(protocol.TypeTurnCancel))
			turns.cancel(msg.TurnID)
		}
	}

	cancel()
	wg.Wait()
	<-writerDone
}

func (s *Server) observeWS(direction, msgType string) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.WSMessages.WithLabelValues(direction, msgType).Inc()
}

type turnRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newTurnRegistry() *turnRegistry {
	return &turnRegistry{cancels: make(map[string]context.CancelFunc)}
}

// add registers cancel under id. It reports false when id is already running.
func (t *turnRegistry) add(id string, cancel context.CancelFunc) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.cancels[id]; exists {
		return false
	}
	t.cancels[id] = cancel
	return true
}

func (t *turnRegistry) remove(id string) {
	t.mu.Lock()
	delete(t.cancels, id)
	t.mu.Unlock()
}

func (t *turnRegistry) cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == "" {
		for _, c := range t.cancels {
			c()
		}
		return
	}
	if c, ok := t.cancels[id]; ok {
		c()
	}
}
