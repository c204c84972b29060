package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lancollab/internal/auth"
	"lancollab/internal/bridge"
	"lancollab/internal/config"
	"lancollab/internal/settings"
)

const bindHost = "127.0.0.1"

var (
	ErrNotRunning  = errors.New("collaboration service is not running")
	ErrInvalidPort = errors.New("port must be between 1024 and 65535")
)

// Snapshot is the host-facing view of the running service.
type Snapshot struct {
	Running    bool     `json:"running"`
	RW         bool     `json:"rw"`
	Revision   uint64   `json:"revision"`
	Clients    int      `json:"clients"`
	ClientRows []string `json:"client_rows"`
	ServerTime int64    `json:"server_time"`
}

// Service owns the collaboration server lifecycle. A fresh Session is created
// on every Start and discarded on Stop.
type Service struct {
	mu       sync.Mutex
	settings settings.Store
	host     bridge.Host
	bridge   *bridge.Bridge
	log      *logrus.Logger
	now      func() time.Time

	session   *Session
	server    *http.Server
	listener  net.Listener
	serveDone chan struct{}
	readWrite bool
}

func NewService(store settings.Store, host bridge.Host, b *bridge.Bridge, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		settings: store,
		host:     host,
		bridge:   b,
		log:      logger,
		now:      time.Now,
	}
}

// Start binds 127.0.0.1:port and begins serving. It is a no-op while running.
// A bind failure is returned to the caller and leaves the service stopped.
func (s *Service) Start(ctx context.Context, port int, readWrite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil
	}
	if !config.ValidPort(port) {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	cfg, err := config.LoadCollab(ctx, s.settings)
	if err != nil {
		return fmt.Errorf("load collaboration settings: %w", err)
	}

	seed := ""
	if s.host != nil {
		if doc := s.host.ActiveDocument(); doc != nil {
			seed = doc.Text()
		}
	}

	addr := net.JoinHostPort(bindHost, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	// Revisions restart at zero with the new session.
	if s.bridge != nil {
		s.bridge.Reset()
	}
	session := NewSession(seed, cfg.PresenceTimeout, s.now)
	gate := auth.NewGate(cfg.Token).WithClock(s.now)
	handler := NewHTTPServer(session, gate, readWrite, s.bridge, s.log)
	server := &http.Server{
		Handler:           handler.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	done := make(chan struct{})

	go func() {
		defer close(done)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("collaboration server failed")
		}
	}()

	s.session = session
	s.server = server
	s.listener = listener
	s.serveDone = done
	s.readWrite = readWrite
	s.log.WithFields(logrus.Fields{"addr": addr, "rw": readWrite}).Info("collaboration server listening")
	return nil
}

// Stop closes open streams, releases the socket and waits for in-flight
// requests until ctx expires. It is a no-op when stopped.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}

	s.session.Close()
	err := s.server.Shutdown(ctx)
	if err != nil {
		_ = s.server.Close()
	}
	<-s.serveDone

	s.log.WithField("addr", s.listener.Addr().String()).Info("collaboration server stopped")
	s.session = nil
	s.server = nil
	s.listener = nil
	s.serveDone = nil
	if err != nil {
		return fmt.Errorf("shutdown collaboration server: %w", err)
	}
	return nil
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server != nil
}

// Addr is the bound address, or empty when stopped.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	session, rw := s.session, s.readWrite
	s.mu.Unlock()

	if session == nil {
		return Snapshot{RW: rw, ClientRows: []string{}, ServerTime: s.now().Unix()}
	}
	state := session.Read("")
	return Snapshot{
		Running:    true,
		RW:         rw,
		Revision:   state.Revision,
		Clients:    state.Clients,
		ClientRows: state.ClientRows,
		ServerTime: state.ServerTime.Unix(),
	}
}

func (s *Service) SharedText() string {
	session := s.currentSession()
	if session == nil {
		return ""
	}
	return session.Text()
}

// SetSharedText pushes host-side text into the session and returns the new revision.
func (s *Service) SetSharedText(text, source string) (uint64, error) {
	session := s.currentSession()
	if session == nil {
		return 0, ErrNotRunning
	}
	if source == "" {
		source = "host"
	}
	return session.Replace(text, source), nil
}

func (s *Service) currentSession() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}
