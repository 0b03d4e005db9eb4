// Package httpserver is the HTTP transport over the orchestrator: stream
// append/read as plain request/response, subscriptions as Server-Sent
// Events with ack/unsubscribe as small follow-up calls against the
// endpoint id the subscribe response hands back.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/c-moss-talk/eventstore/internal/eventstore"
	"github.com/c-moss-talk/eventstore/internal/orchestrator"
	"github.com/c-moss-talk/eventstore/internal/subscription"
	logpkg "github.com/c-moss-talk/eventstore/pkg/log"
)

// Server serves the eventstore HTTP API.
type Server struct {
	orch   *orchestrator.Orchestrator
	logger logpkg.Logger
	srv    *http.Server
	lis    net.Listener
}

// New builds a Server routed over orch.
func New(orch *orchestrator.Orchestrator, logger logpkg.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{orch: orch, logger: logger.WithComponent("httpserver"), srv: &http.Server{Handler: cors(mux)}}
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.HandleFunc("/v1/streams/create", s.handleCreateStream)
	mux.HandleFunc("/v1/streams/append", s.handleAppend)
	mux.HandleFunc("/v1/streams/read", s.handleReadForward)
	mux.HandleFunc("/v1/subscriptions/subscribe", s.handleSubscribeSSE)
	mux.HandleFunc("/v1/subscriptions/ack", s.handleAck)
	mux.HandleFunc("/v1/subscriptions/unsubscribe", s.handleUnsubscribe)
	mux.HandleFunc("/v1/subscriptions/delete", s.handleDeleteSubscription)
	return s
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Close releases the listener.
func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.CheckHealth(r.Context()); err != nil {
		s.logger.Warn("health check failed", logpkg.Err(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not_serving"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type createStreamReq struct {
	StreamID string `json:"stream_id"`
}

func (s *Server) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req createStreamReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if _, err := s.orch.CreateStream(r.Context(), req.StreamID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type appendReq struct {
	StreamID        string           `json:"stream_id"`
	ExpectedVersion int64            `json:"expected_version"`
	Events          []appendEventReq `json:"events"`
}

type appendEventReq struct {
	EventType string `json:"event_type"`
	Data      []byte `json:"data"`
	Metadata  []byte `json:"metadata"`
}

type appendResp struct {
	NextVersion int64 `json:"next_version"`
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req appendReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	events := make([]eventstore.RecordedEvent, len(req.Events))
	for i, e := range req.Events {
		events[i] = eventstore.RecordedEvent{EventType: e.EventType, Payload: e.Data, Metadata: e.Metadata}
	}
	version, err := s.orch.AppendToStream(r.Context(), req.StreamID, req.ExpectedVersion, events)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(appendResp{NextVersion: version})
}

type readResp struct {
	Events []recordedEventJSON `json:"events"`
}

type recordedEventJSON struct {
	EventID       string `json:"event_id"`
	EventNumber   int64  `json:"event_number"`
	StreamVersion int64  `json:"stream_version"`
	StreamID      string `json:"stream_id"`
	EventType     string `json:"event_type"`
	Data          []byte `json:"data"`
	Metadata      []byte `json:"metadata"`
}

func (s *Server) handleReadForward(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	streamID := q.Get("stream_id")
	fromVersion := parseInt64(q.Get("from_version"), 0)
	maxCount := int(parseInt64(q.Get("max_count"), 100))

	events, err := s.orch.ReadStreamForward(r.Context(), streamID, fromVersion, maxCount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := readResp{Events: make([]recordedEventJSON, len(events))}
	for i, ev := range events {
		resp.Events[i] = recordedEventJSON{
			EventID:       ev.EventID.String(),
			EventNumber:   ev.EventNumber,
			StreamVersion: ev.StreamVersion,
			StreamID:      ev.StreamID,
			EventType:     ev.EventType,
			Data:          ev.Payload,
			Metadata:      ev.Metadata,
		}
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// sseSink adapts an HTTP response into a subscription.EndpointSink,
// flushing after every delivered batch so consumers see events as soon as
// they are sent rather than buffered behind the response writer.
type sseSink struct {
	w http.ResponseWriter
}

func (s sseSink) Send(batch []subscription.Delivered) error {
	for _, d := range batch {
		payload := map[string]any{
			"event_number": d.Event.EventNumber,
			"event_type":   d.Event.EventType,
			"stream_id":    d.Event.StreamID,
			"value":        d.Mapped,
		}
		if _, err := s.w.Write([]byte("data: ")); err != nil {
			return err
		}
		if err := json.NewEncoder(s.w).Encode(payload); err != nil {
			return err
		}
		if _, err := s.w.Write([]byte("\n")); err != nil {
			return err
		}
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (s *Server) handleSubscribeSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	streamID := q.Get("stream_id")
	name := q.Get("subscription_name")

	opts := eventstore.SubscribeOptions{
		Selector:    q.Get("selector"),
		Mapper:      q.Get("mapper"),
		PartitionBy: q.Get("partition_by"),
		BufferSize:  int(parseInt64(q.Get("buffer_size"), 1)),
		MaxSize:     int(parseInt64(q.Get("max_size"), 1000)),
	}
	switch q.Get("start_from") {
	case "current":
		opts.StartFrom = eventstore.StartFrom{Current: true}
	case "", "origin":
		opts.StartFrom = eventstore.StartFrom{Origin: true}
	default:
		opts.StartFrom = eventstore.StartFrom{EventNumber: parseInt64(q.Get("start_from"), 0)}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	handle, err := s.orch.SubscribeToStream(r.Context(), streamID, name, sseSink{w: w}, opts)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"endpoint_id": handle.EndpointID})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	<-r.Context().Done()
	unsubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.orch.UnsubscribeFromStream(unsubCtx, handle)
}

type ackReq struct {
	StreamID         string `json:"stream_id"`
	SubscriptionName string `json:"subscription_name"`
	EndpointID       string `json:"endpoint_id"`
	EventNumber      int64  `json:"event_number"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req ackReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	handle := orchestrator.EndpointHandle{EndpointID: req.EndpointID, StreamID: req.StreamID, SubscriptionName: req.SubscriptionName}
	if err := s.orch.Ack(r.Context(), handle, req.EventNumber); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type unsubscribeReq struct {
	StreamID         string `json:"stream_id"`
	SubscriptionName string `json:"subscription_name"`
	EndpointID       string `json:"endpoint_id"`
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req unsubscribeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	handle := orchestrator.EndpointHandle{EndpointID: req.EndpointID, StreamID: req.StreamID, SubscriptionName: req.SubscriptionName}
	if err := s.orch.UnsubscribeFromStream(r.Context(), handle); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deleteSubscriptionReq struct {
	StreamID         string `json:"stream_id"`
	SubscriptionName string `json:"subscription_name"`
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req deleteSubscriptionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.orch.DeleteSubscription(r.Context(), req.StreamID, req.SubscriptionName); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, eventstore.ErrStreamExists):
		status = http.StatusConflict
	case errors.Is(err, eventstore.ErrStreamNotFound):
		status = http.StatusNotFound
	case errors.Is(err, eventstore.ErrWrongExpectedVersion):
		status = http.StatusConflict
	case errors.Is(err, eventstore.ErrSubscriptionAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, eventstore.ErrUnknownSubscriber):
		status = http.StatusNotFound
	case errors.Is(err, eventstore.ErrInvalidAck):
		status = http.StatusBadRequest
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func parseInt64(s string, def int64) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}
