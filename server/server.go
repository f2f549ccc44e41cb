// Package server is the HTTP surface of the control plane: plugin
// triggers, the run protocol (create/get/cancel, uploads, blobs, export
// paging), registry queries, and the /ws/run WebSocket sessions.
package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nexabus/nexabus/bus"
	"github.com/nexabus/nexabus/errors"
	"github.com/nexabus/nexabus/http/binding"
	"github.com/nexabus/nexabus/http/middleware"
	"github.com/nexabus/nexabus/http/responder"
	"github.com/nexabus/nexabus/logging"
	"github.com/nexabus/nexabus/registry"
	"github.com/nexabus/nexabus/runs"
)

// Options wires a Server.
type Options struct {
	Addr     string
	Runs     *runs.Manager
	Registry *registry.Registry
	Trigger  runs.TriggerFunc
	RunsBus  *bus.Store
	Health   func() map[string]any
	Logger   logging.Logger

	TriggerTimeout time.Duration
	Debug          bool
}

// Server owns the chi router and its listener.
type Server struct {
	opts   Options
	logger logging.Logger
	router chi.Router
	httpd  *http.Server
	ln     net.Listener
}

func New(opts Options) *Server {
	if opts.TriggerTimeout <= 0 {
		opts.TriggerTimeout = 35 * time.Second
	}
	responder.Debug = opts.Debug

	s := &Server{
		opts:   opts,
		logger: opts.Logger.Named("http"),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceIDMiddleware())
	r.Use(middleware.TimingMiddleware())
	r.Use(logging.HTTPMiddleware(s.logger))
	r.Use(logging.RecoveryMiddleware(s.logger))

	r.Get("/healthz", s.handleHealth)

	r.Post("/trigger", s.handleTrigger)
	r.Get("/plugins", s.handlePluginList)
	r.Get("/plugins/{plugin_id}", s.handlePluginGet)

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.handleRunCreate)
		r.Get("/{run_id}", s.handleRunGet)
		r.Post("/{run_id}/cancel", s.handleRunCancel)
		r.Post("/{run_id}/uploads", s.handleUploadBegin)
		r.Get("/{run_id}/blobs/{blob_id}", s.handleBlobGet)
		r.Get("/{run_id}/export", s.handleExportList)
	})
	r.Put("/uploads/{upload_id}", s.handleUploadPut)

	r.Get("/ws/run", s.handleRunSocket)
	return r
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return errors.WrapWithType(err, errors.ErrorTypeCommunication, "binding http listener")
	}
	s.ln = ln
	s.httpd = &http.Server{Handler: s.router}
	go func() {
		if err := s.httpd.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("http listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.opts.Addr
	}
	return s.ln.Addr().String()
}

// Stop shuts the listener down, draining in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpd == nil {
		return nil
	}
	return s.httpd.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{"healthy": true}
	if s.opts.Health != nil {
		data = s.opts.Health()
	}
	responder.OK(w, r, data)
}

type triggerRequest struct {
	PluginID string         `json:"plugin_id" validate:"required"`
	EntryID  string         `json:"entry_id" validate:"required"`
	Args     map[string]any `json:"args"`
	Timeout  float64        `json:"timeout" validate:"gte=0"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := binding.JSON(r, &req); err != nil {
		responder.ValidationErr(w, r, err)
		return
	}
	timeout := s.opts.TriggerTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	res, err := s.opts.Trigger(ctx, req.PluginID, req.EntryID, req.Args, timeout)
	if err != nil {
		responder.Err(w, r, err)
		return
	}
	if !res.OK {
		responder.Err(w, r, errors.New(errors.ErrorTypeInternal, res.Message).
			WithDetail("code", res.Code).WithDetails(res.Details))
		return
	}
	responder.OK(w, r, map[string]any{"plugin_response": res.Data})
}

func (s *Server) handlePluginList(w http.ResponseWriter, r *http.Request) {
	responder.OK(w, r, map[string]any{"plugins": s.opts.Registry.Plugins()})
}

func (s *Server) handlePluginGet(w http.ResponseWriter, r *http.Request) {
	pluginID := chi.URLParam(r, "plugin_id")
	rec, ok := s.opts.Registry.Get(pluginID)
	if !ok {
		responder.Err(w, r, errors.NewNotFound("plugin", pluginID))
		return
	}
	responder.OK(w, r, rec)
}

type runCreateRequest struct {
	PluginID       string         `json:"plugin_id" validate:"required"`
	EntryID        string         `json:"entry_id" validate:"required"`
	Args           map[string]any `json:"args"`
	TaskID         string         `json:"task_id"`
	TraceID        string         `json:"trace_id"`
	IdempotencyKey string         `json:"idempotency_key"`
}

func (s *Server) handleRunCreate(w http.ResponseWriter, r *http.Request) {
	var req runCreateRequest
	if err := binding.JSON(r, &req); err != nil {
		responder.ValidationErr(w, r, err)
		return
	}
	traceID := req.TraceID
	if traceID == "" {
		traceID = middleware.TraceID(r.Context())
	}
	created, err := s.opts.Runs.Create(r.Context(), runs.CreateRequest{
		PluginID:       req.PluginID,
		EntryID:        req.EntryID,
		Args:           req.Args,
		TaskID:         req.TaskID,
		TraceID:        traceID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		responder.Err(w, r, err)
		return
	}
	responder.Created(w, r, map[string]any{
		"run_id":     created.Record.RunID,
		"status":     string(created.Record.Status),
		"run_token":  created.Token,
		"expires_at": created.ExpiresAt.Unix(),
	})
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	rec, ok := s.opts.Runs.Get(runID)
	if !ok {
		responder.Err(w, r, errors.NewNotFound("run", runID))
		return
	}
	responder.OK(w, r, rec)
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	rec, err := s.opts.Runs.Cancel(chi.URLParam(r, "run_id"))
	if err != nil {
		responder.Err(w, r, err)
		return
	}
	responder.OK(w, r, rec)
}

func (s *Server) handleUploadBegin(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if _, ok := s.opts.Runs.Get(runID); !ok {
		responder.Err(w, r, errors.NewNotFound("run", runID))
		return
	}
	uploadID := s.opts.Runs.Blobs().Begin(runID)
	responder.Created(w, r, map[string]any{"upload_id": uploadID})
}

func (s *Server) handleUploadPut(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	blobID, size, err := s.opts.Runs.Blobs().Put(chi.URLParam(r, "upload_id"), r.Body)
	if err != nil {
		responder.Err(w, r, err)
		return
	}
	responder.OK(w, r, map[string]any{"blob_id": blobID, "size": size})
}

func (s *Server) handleBlobGet(w http.ResponseWriter, r *http.Request) {
	rc, err := s.opts.Runs.Blobs().Open(chi.URLParam(r, "run_id"), chi.URLParam(r, "blob_id"))
	if err != nil {
		responder.Err(w, r, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("blob download aborted", zap.Error(err))
	}
}

type exportQuery struct {
	After uint64 `query:"after"`
	Limit int    `query:"limit" default:"100" validate:"gte=1,lte=1000"`
}

func (s *Server) handleExportList(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if _, ok := s.opts.Runs.Get(runID); !ok {
		responder.Err(w, r, errors.NewNotFound("run", runID))
		return
	}
	var q exportQuery
	if err := binding.Query(r, &q); err != nil {
		responder.ValidationErr(w, r, err)
		return
	}
	items := s.opts.Runs.ListExport(runID, q.After, q.Limit)
	next := q.After
	if len(items) > 0 {
		if seq, ok := items[len(items)-1]["seq"].(uint64); ok {
			next = seq
		}
	}
	responder.OK(w, r, map[string]any{
		"items":    items,
		"after":    strconv.FormatUint(q.After, 10),
		"next":     strconv.FormatUint(next, 10),
		"has_more": len(items) == q.Limit,
	})
}
