// Package eventcast hosts the websocket mirror behind `trinoctl
// provision --ws-listen`. It rebroadcasts run events as JSON frames so
// a browser or CI sidecar can follow a bring-up without attaching to
// the terminal.
package eventcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/example/trinoctl/internal/provision"
)

// Server mirrors provisioning run events to websocket clients.
type Server struct {
	addr     string
	logger   logr.Logger
	hub      *hub
	upgrader websocket.Upgrader
	backlog  *backlog
}

func New(addr string, logger logr.Logger) *Server {
	return &Server{
		addr:    addr,
		logger:  logger,
		hub:     newHub(logger),
		backlog: newBacklog(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run serves /ws and /healthz until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprint(w, "ok")
	})
	srv := &http.Server{Addr: s.addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.hub.Close()
	}()
	s.logger.V(1).Info("event mirror ready", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ObserveEvent satisfies provision.EventObserver. Durable events are
// cached so late-joining clients see the run from the start; ephemeral
// render events are broadcast only.
func (s *Server) ObserveEvent(ev provision.Event) {
	if s == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error(err, "encode event mirror frame")
		return
	}
	if ev.Digest != "" {
		s.backlog.Record(payload)
	}
	s.hub.Broadcast(payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error(err, "upgrade event mirror websocket")
		return
	}
	client := newClient(conn, s.logger)
	s.hub.Register(client)
	go client.writeLoop()
	go s.backlog.Replay(client.send)
	client.readLoop(func() {
		s.hub.Unregister(client)
	})
}

// backlog caches the run's durable event frames so a client connecting
// mid-run hydrates immediately instead of waiting for future events.
type backlog struct {
	mu     sync.RWMutex
	frames [][]byte
}

const maxCachedFrames = 1024

func newBacklog() *backlog {
	return &backlog{}
}

func (b *backlog) Record(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, payload)
	if overflow := len(b.frames) - maxCachedFrames; overflow > 0 {
		b.frames = b.frames[overflow:]
	}
}

func (b *backlog) Replay(out chan<- []byte) {
	if b == nil || out == nil {
		return
	}
	b.mu.RLock()
	frames := append([][]byte(nil), b.frames...)
	b.mu.RUnlock()
	for _, payload := range frames {
		if !safeEnqueue(out, payload) {
			return
		}
	}
}

// safeEnqueue tolerates the client closing its channel mid-replay.
func safeEnqueue(out chan<- []byte, payload []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	ok = true
	out <- payload
	return
}
