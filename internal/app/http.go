package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"lancollab/internal/auth"
	"lancollab/internal/bridge"
)

const maxBodyBytes = 2 << 20

type HTTPServer struct {
	session   *Session
	gate      *auth.Gate
	readWrite bool
	bridge    *bridge.Bridge
	log       *logrus.Logger
	upgrader  websocket.Upgrader
}

// NewHTTPServer wires the protocol handlers to one session. b may be nil when
// no host document should receive accepted edits.
func NewHTTPServer(session *Session, gate *auth.Gate, readWrite bool, b *bridge.Bridge, logger *logrus.Logger) *HTTPServer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HTTPServer{
		session:   session,
		gate:      gate,
		readWrite: readWrite,
		bridge:    b,
		log:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Access is gated by the shared token, not by origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.requireToken(s.routes()))
}

func (s *HTTPServer) routes() http.Handler {
	router := mux.NewRouter()
	router.SkipClean(true)
	router.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	router.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	router.HandleFunc("/join", s.handleJoin).Methods(http.MethodPost)
	router.HandleFunc("/edit", s.handleEdit).Methods(http.MethodPost)
	router.NotFoundHandler = http.HandlerFunc(notFound)
	router.MethodNotAllowedHandler = http.HandlerFunc(notFound)
	return router
}

// requireToken runs ahead of routing: without the shared token every path,
// known or not, answers 403.
func (s *HTTPServer) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.gate.Authorize(r); err != nil {
			writeFailure(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) handleState(w http.ResponseWriter, r *http.Request) {
	state := s.session.Read(heartbeatID(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"text":        state.Text,
		"rw":          s.readWrite,
		"revision":    state.Revision,
		"clients":     state.Clients,
		"client_rows": state.ClientRows,
		"server_time": state.ServerTime.Unix(),
	})
}

func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	events := s.session.EventsSince(sinceRevision(r), heartbeatID(r))
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *HTTPServer) handleJoin(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, nil)
		return
	}
	var body struct {
		Name     string `json:"name"`
		ClientID string `json:"client_id"`
	}
	if err := decodeRaw(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, nil)
		return
	}
	joined := s.session.Join(body.Name, body.ClientID)
	s.log.WithFields(logrus.Fields{
		"request_id": requestID(r.Context()),
		"client_id":  joined.ClientID,
	}).Info("client joined")
	writeJSON(w, http.StatusOK, map[string]any{
		"client_id": joined.ClientID,
		"revision":  joined.Revision,
		"text":      joined.Text,
	})
}

func (s *HTTPServer) handleEdit(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, nil)
		return
	}
	if !s.readWrite {
		writeError(w, http.StatusForbidden, CodeReadOnly, nil)
		return
	}
	if err := s.gate.VerifyRequest(r, raw); err != nil {
		writeFailure(w, err)
		return
	}

	var body struct {
		ClientID     string          `json:"client_id"`
		BaseRevision *int64          `json:"base_revision"`
		Operations   json.RawMessage `json:"operations"`
	}
	if err := decodeRaw(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, nil)
		return
	}
	clientID := strings.TrimSpace(body.ClientID)
	ops, err := decodeOperations(body.Operations)
	if clientID == "" || err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, nil)
		return
	}
	base := int64(-1)
	if body.BaseRevision != nil {
		base = *body.BaseRevision
	}

	result, err := s.session.EditRaw(clientID, base, ops)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"request_id": requestID(r.Context()),
			"client_id":  clientID,
			"error":      err.Error(),
		}).Debug("edit rejected")
		writeFailure(w, err)
		return
	}
	if s.bridge != nil {
		s.bridge.Deliver(bridge.Delivery{Revision: result.Revision, Text: result.Text})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "revision": result.Revision})
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, CodeNotFound, nil)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", id)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		s.log.WithFields(logrus.Fields{
			"request_id":  id,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string, details map[string]any) {
	response := make(map[string]any, len(details)+1)
	for key, value := range details {
		response[key] = value
	}
	response["error"] = code
	writeJSON(w, status, response)
}

func writeFailure(w http.ResponseWriter, err error) {
	status, code, details := mapError(err)
	writeError(w, status, code, details)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return raw, nil
}

// decodeRaw accepts an empty body as an empty object. Anything else must be one JSON object.
func decodeRaw(raw []byte, target any) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil
	}
	if !strings.HasPrefix(trimmed, "{") {
		return errors.New("body must be a JSON object")
	}
	decoder := json.NewDecoder(strings.NewReader(trimmed))
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	if decoder.More() {
		return errors.New("trailing data after JSON body")
	}
	return nil
}

// decodeOperations only checks the list shape; elements are converted by the
// session so malformed entries surface as invalid_operations.
func decodeOperations(raw json.RawMessage) ([]json.RawMessage, error) {
	if len(raw) == 0 {
		return []json.RawMessage{}, nil
	}
	if strings.TrimSpace(string(raw)) == "null" {
		return nil, errors.New("operations must be a list")
	}
	var ops []json.RawMessage
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, fmt.Errorf("decode operations: %w", err)
	}
	return ops, nil
}

func sinceRevision(r *http.Request) uint64 {
	raw := strings.TrimSpace(r.URL.Query().Get("since"))
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed < 0 {
		return 0
	}
	return uint64(parsed)
}

func heartbeatID(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("client_id"))
}
