package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/faqflow/internal/pipeline"
	"github.com/ent0n29/faqflow/internal/protocol"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = wsReadTimeout / 3
	wsQueueSize    = 64
)

// handleQueryWS streams faq_query messages through the pipeline. Queries on
// one connection are resolved in arrival order.
func (s *Server) handleQueryWS(w http.ResponseWriter, r *http.Request) {
	if s.queries == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "query pipeline not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, wsQueueSize)
	outbound := make(chan any, wsQueueSize)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		defer close(outbound)
		for in := range inbound {
			msg := in
			if q, ok := in.(protocol.FAQQuery); ok {
				msg = s.resolveStreamQuery(ctx, q)
			}
			select {
			case <-ctx.Done():
				return
			case outbound <- msg:
			}
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// The writer owns every write, pings included.
		ping := time.NewTicker(s.wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					_ = conn.Close()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.observeWS("outbound", t)
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					cancel()
					_ = conn.Close()
					return
				}
			}
		}
	}()

	outbound <- protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "ready"}

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

readLoop:
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
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				Code:      "invalid_client_message",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case <-ctx.Done():
				break readLoop
			case inbound <- errEvent:
			}
			continue
		}
		q, ok := parsed.(protocol.FAQQuery)
		if !ok {
			continue
		}
		s.observeWS("inbound", q.Type)
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- q:
		}
	}

	cancel()
	close(inbound)
	<-workerDone
	<-writerDone
}

func (s *Server) resolveStreamQuery(ctx context.Context, q protocol.FAQQuery) any {
	env, err := s.queries.Handle(ctx, pipeline.Query{Text: q.Query, SessionID: q.SessionID, UserID: q.UserID})
	if err != nil {
		status, code := errorStatus(err)
		detail := err.Error()
		if status >= http.StatusInternalServerError {
			s.logger.Error("stream query failed", "code", code, "error", err)
			detail = http.StatusText(status)
		}
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			RequestID: q.RequestID,
			SessionID: q.SessionID,
			Code:      code,
			Retryable: status == http.StatusGatewayTimeout || status == http.StatusServiceUnavailable || status == http.StatusBadGateway,
			Detail:    detail,
		}
	}
	return protocol.NewFAQAnswer(q.RequestID, env)
}

func (s *Server) observeWS(direction string, t protocol.MessageType) {
	if s.metrics == nil {
		return
	}
	s.metrics.WSMessages.WithLabelValues(direction, string(t)).Inc()
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.FAQQuery:
		return m.Type, true
	case protocol.FAQAnswer:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
