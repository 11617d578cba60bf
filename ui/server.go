package ui

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"directlink/activity"
	"directlink/session"
)

// Server serves the presentation feed:
//
//	GET  /state     current session snapshot
//	GET  /activity  retained activity records, ?since=<seq> for newer only
//	POST /intent    run one intent and return its result
//	GET  /ws        live activity and snapshot events; accepts intents
type Server struct {
	ctrl     Controller
	dispatch *Dispatcher
	hub      *Hub
	log      *log.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// NewServer creates the feed and starts relaying coordinator changes to
// websocket clients. logger may be nil.
func NewServer(ctrl Controller, dispatch *Dispatcher, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ctrl:     ctrl,
		dispatch: dispatch,
		hub:      NewHub(),
		log:      logger,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
	s.mux.HandleFunc("/state", methodHandler(http.MethodGet, s.handleState))
	s.mux.HandleFunc("/activity", methodHandler(http.MethodGet, s.handleActivity))
	s.mux.HandleFunc("/intent", methodHandler(http.MethodPost, s.handleIntent))
	s.mux.HandleFunc("/ws", s.handleWebSocket)

	snapshots, stopSnapshots := ctrl.Watch(16)
	records, stopRecords := ctrl.Activity().Subscribe(128)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stopSnapshots()
		defer stopRecords()
		s.relay(snapshots, records)
	}()
	return s
}

// Handler returns the feed's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens on address and serves in the background.
func (s *Server) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.srv = srv
	s.listener = listener
	s.mu.Unlock()

	s.log.Printf("ui: serving on %s", listener.Addr())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Printf("ui: serve: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the relay, drops websocket clients and shuts the HTTP server.
func (s *Server) Close(ctx context.Context) error {
	s.cancel()
	s.hub.Close()

	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

func (s *Server) relay(snapshots <-chan session.Snapshot, records <-chan activity.Record) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			s.hub.Broadcast(Event{Type: EventSnapshot, Snapshot: &snap})
		case rec, ok := <-records:
			if !ok {
				return
			}
			s.hub.Broadcast(Event{Type: EventActivity, Activity: &rec})
		}
	}
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	records := s.ctrl.Activity().Records()
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be a sequence number")
			return
		}
		filtered := make([]activity.Record, 0, len(records))
		for _, rec := range records {
			if rec.Seq > since {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	var in Intent
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid intent body")
		return
	}
	res := s.dispatch.Dispatch(r.Context(), in)
	status := http.StatusOK
	if !res.OK {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Printf("ui: websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	c := newClient(conn)
	snap := s.ctrl.Snapshot()
	c.enqueue(Event{Type: EventSnapshot, Snapshot: &snap})
	s.hub.add(c)
	go c.writeLoop()
	defer s.hub.remove(c)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var in Intent
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Printf("ui: websocket %s: %v", r.RemoteAddr, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if s.ctx.Err() != nil {
			return
		}
		// Receives block until the peer sends, so intents run concurrently.
		s.wg.Add(1)
		go func(in Intent) {
			defer s.wg.Done()
			res := s.dispatch.Dispatch(s.ctx, in)
			c.enqueue(Event{Type: EventResult, Result: &res})
		}(in)
	}
}

func methodHandler(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		next(w, r)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("ui: encode response: %v", err)
	}
}
