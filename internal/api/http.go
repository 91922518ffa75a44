package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/pv/odor-delivery-go/internal/pattern"
	"github.com/pv/odor-delivery-go/internal/runlog"
	"github.com/pv/odor-delivery-go/internal/sequencer"
)

// Server реализует HTTP API управления стендом.
type Server struct {
	manager  *Manager
	mux      *http.ServeMux
	streamer *StepStreamer
}

// NewServer создаёт HTTP сервер с зарегистрированными хендлерами.
func NewServer(manager *Manager, streamer *StepStreamer) *Server {
	s := &Server{
		manager:  manager,
		mux:      http.NewServeMux(),
		streamer: streamer,
	}
	s.routes()
	return s
}

// Handler возвращает корневой обработчик.
func (s *Server) Handler() http.Handler { return s.mux }

// Listen запускает сервер и блокируется до остановки.
func (s *Server) Listen(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	log.Printf("[http] listening on %s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	apiRoutes := []struct {
		path    string
		handler http.Handler
	}{
		{"/api/v1/job", http.HandlerFunc(s.handleJob)},
		{"/api/v1/job/stop", http.HandlerFunc(s.wrapSimpleWithLog("stop", s.manager.Stop))},
		{"/api/v1/blocks", http.HandlerFunc(s.handleBlocks)},
		{"/api/v1/pattern/parse", http.HandlerFunc(s.handleParse)},
		{"/api/v1/pattern/generate", http.HandlerFunc(s.handleGenerate)},
		{"/api/v1/maintenance/flow", http.HandlerFunc(s.handleVoltages("flow", s.manager.SetFlow))},
		{"/api/v1/maintenance/wash", http.HandlerFunc(s.handleVoltages("wash", s.manager.SolventWash))},
		{"/api/v1/maintenance/dry", http.HandlerFunc(s.handleVoltages("dry", s.manager.SolventDry))},
		{"/api/v1/maintenance/purge", http.HandlerFunc(s.handlePurge)},
		{"/api/v1/maintenance/switch-panel", http.HandlerFunc(s.wrapSimpleWithLog("switch_panel", func() error {
			return s.manager.SwitchPanel(context.Background())
		}))},
		{"/api/v1/runs/events", http.HandlerFunc(s.handleEvents)},
		{"/api/v1/ws/steps", http.HandlerFunc(s.handleWSSteps)},
	}
	for _, route := range apiRoutes {
		s.mux.Handle(route.path, s.withCORS(route.handler))
	}
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.manager.Status())
	case http.MethodPost:
		var req startRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Repeat < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid repeat: %d", req.Repeat))
			return
		}
		var (
			st  Status
			err error
		)
		if req.Block != "" {
			log.Printf("[http] start block %s repeat=%d", req.Block, req.Repeat)
			st, err = s.manager.StartBlock(r.Context(), req.Block, req.Repeat)
		} else {
			log.Printf("[http] start pattern %q repeat=%d", req.Pattern, req.Repeat)
			st, err = s.manager.Start(r.Context(), req.Pattern, req.Repeat)
		}
		if err != nil {
			writeError(w, errorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, st)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Blocks())
}

func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	info, err := s.manager.Describe(req.Pattern, req.Repeat)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	req := generateRequest{}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	opts := pattern.DefaultGenerateOptions()
	opts.Channels = req.Channels
	if req.On > 0 {
		opts.On = req.On
	}
	if req.Off > 0 {
		opts.Off = req.Off
	}
	if req.Puffs > 0 {
		opts.Puffs = req.Puffs
	}
	opts.Flush = 0
	if req.PanelSplit != "" {
		if len(req.PanelSplit) != 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid panel_split: %q", req.PanelSplit))
			return
		}
		opts.PanelSplit = req.PanelSplit[0]
	}
	text, err := s.manager.Generate(opts, req.Seed)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pattern": text})
}

func (s *Server) handleVoltages(label string, fn func(context.Context, []int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req voltagesRequest
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		log.Printf("[http] maintenance %s %v", label, req.Voltages)
		if err := fn(r.Context(), req.Voltages); err != nil {
			writeError(w, errorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	req := purgeRequest{Count: 1}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	log.Printf("[http] maintenance purge x%d", req.Count)
	if err := s.manager.Purge(r.Context(), req.Count); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q, err := parseEventsQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	events, err := s.manager.Events(r.Context(), q)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	rows := make([]eventRow, 0, len(events))
	for _, ev := range events {
		rows = append(rows, eventRow{
			RunID:       ev.RunID,
			Seq:         ev.Seq,
			At:          ev.At,
			Kind:        ev.Kind,
			Track:       ev.Track,
			Iteration:   ev.Iteration,
			Index:       ev.Index,
			Step:        ev.Step,
			Detail:      ev.Detail,
			Fingerprint: ev.Fingerprint,
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

func parseEventsQuery(r *http.Request) (runlog.Query, error) {
	values := r.URL.Query()
	q := runlog.Query{
		RunID: values.Get("run_id"),
		Kind:  values.Get("kind"),
	}
	var err error
	if v := values.Get("from"); v != "" {
		if q.From, err = time.Parse(time.RFC3339, v); err != nil {
			return q, fmt.Errorf("invalid from: %w", err)
		}
	}
	if v := values.Get("to"); v != "" {
		if q.To, err = time.Parse(time.RFC3339, v); err != nil {
			return q, fmt.Errorf("invalid to: %w", err)
		}
	}
	if v := values.Get("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil || q.Limit < 0 {
			return q, fmt.Errorf("invalid limit: %q", v)
		}
	}
	return q, nil
}

func (s *Server) handleWSSteps(w http.ResponseWriter, r *http.Request) {
	if s.streamer == nil {
		http.Error(w, "websocket streamer not configured", http.StatusServiceUnavailable)
		return
	}
	s.streamer.ServeWS(w, r)
}

func (s *Server) wrapSimpleWithLog(label string, fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		log.Printf("[http] command %s", label)
		if err := fn(); err != nil {
			writeError(w, errorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// errorStatus: занятость стенда даёт 409, отказ оборудования 502, прочее 400.
func errorStatus(err error) int {
	var fault *sequencer.HardwareFault
	switch {
	case errors.Is(err, sequencer.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, errNoRunLog), errors.Is(err, sequencer.ErrNoFlow):
		return http.StatusNotImplemented
	case errors.As(err, &fault):
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

type startRequest struct {
	Pattern string `json:"pattern"`
	Block   string `json:"block,omitempty"`
	Repeat  int    `json:"repeat,omitempty"`
}

type generateRequest struct {
	Channels   string  `json:"channels,omitempty"`
	On         float64 `json:"on,omitempty"`
	Off        float64 `json:"off,omitempty"`
	Puffs      int     `json:"puffs,omitempty"`
	PanelSplit string  `json:"panel_split,omitempty"`
	Seed       uint64  `json:"seed,omitempty"`
}

type voltagesRequest struct {
	Voltages []int `json:"voltages,omitempty"`
}

type purgeRequest struct {
	Count int `json:"count"`
}

type eventRow struct {
	RunID       string    `json:"run_id"`
	Seq         int64     `json:"seq"`
	At          time.Time `json:"at"`
	Kind        string    `json:"kind"`
	Track       string    `json:"track,omitempty"`
	Iteration   int       `json:"iteration"`
	Index       int       `json:"index"`
	Step        string    `json:"step,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Fingerprint int64     `json:"fingerprint"`
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
