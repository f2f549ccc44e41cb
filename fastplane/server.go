package fastplane

import (
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexabus/nexabus/bus"
	"github.com/nexabus/nexabus/errors"
	"github.com/nexabus/nexabus/logging"
)

// Validation modes for incoming envelopes.
const (
	ValidationOff    = "off"
	ValidationWarn   = "warn"
	ValidationStrict = "strict"
)

// Server limits.
const (
	defaultMaxLimit = 1000
	defaultMaxBatch = 256
	maxPayloadBytes = 1 << 20
)

// Options configures the fast-plane server.
type Options struct {
	Addr           string
	Stores         map[string]*bus.Store
	Logger         logging.Logger
	ValidationMode string
	MaxFrameBytes  int
	MaxBatch       int
	MaxLimit       int
	// Health supplies the health op's payload.
	Health func() map[string]any
}

// Server accepts TCP connections and serves the msgpack RPC and push
// envelopes.
type Server struct {
	opts   Options
	logger logging.Logger

	listener net.Listener
	connsMu  sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup

	// watermarks tracks the last accepted sequence per producing plugin
	// on the push channel.
	wmMu       sync.Mutex
	watermarks map[string]uint64

	closed bool
}

func NewServer(opts Options) *Server {
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = defaultMaxLimit
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = defaultMaxBatch
	}
	if opts.ValidationMode == "" {
		opts.ValidationMode = ValidationWarn
	}
	return &Server{
		opts:       opts,
		logger:     opts.Logger.Named("fastplane"),
		conns:      make(map[net.Conn]struct{}),
		watermarks: make(map[string]uint64),
	}
}

// Start binds the listener and begins accepting. Addr with port 0 is
// allowed; Addr() reports the bound address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return errors.WrapWithType(err, errors.ErrorTypeCommunication, "binding fast plane")
	}
	s.listener = ln
	s.logger.Info("fast plane listening", zap.String("addr", ln.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() {
	s.connsMu.Lock()
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.connsMu.Lock()
		if s.closed {
			s.connsMu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		conn.Close()
	}()

	w := newWire(conn, s.opts.MaxFrameBytes)
	for {
		envelope, err := w.read()
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("connection read failed", zap.Error(err))
			}
			return
		}
		if kind, _ := envelope["kind"].(string); kind != "" {
			s.handlePush(w, envelope)
			continue
		}
		s.handleRequest(w, envelope)
	}
}

func (s *Server) handleRequest(w *wire, req map[string]any) {
	reqID, _ := req["req_id"].(string)

	if err := s.validate(req); err != nil {
		s.writeError(w, reqID, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	op, _ := req["op"].(string)
	args, _ := req["args"].(map[string]any)
	result, err := s.execute(op, args)
	if err != nil {
		appErr := errors.FromError(err)
		s.writeError(w, reqID, string(appErr.Type), appErr.Message, appErr.Details)
		return
	}
	s.writeReply(w, map[string]any{
		"v": ProtocolVersion, "ok": true, "req_id": reqID, "result": result,
	})
}

// validate applies the envelope checks for the configured mode. Only
// strict turns a malformed envelope into a rejection.
func (s *Server) validate(req map[string]any) error {
	problems := envelopeProblems(req)
	if len(problems) == 0 {
		return nil
	}
	switch s.opts.ValidationMode {
	case ValidationStrict:
		return errors.NewValidation("malformed envelope: " + problems[0])
	case ValidationWarn:
		s.logger.Warn("malformed envelope accepted",
			zap.Strings("problems", problems))
	}
	return nil
}

func envelopeProblems(req map[string]any) []string {
	var problems []string
	if v := intOf(req["v"]); v != ProtocolVersion {
		problems = append(problems, "missing or unsupported protocol version")
	}
	if op, _ := req["op"].(string); op == "" {
		problems = append(problems, "missing op")
	}
	if id, _ := req["req_id"].(string); id == "" {
		problems = append(problems, "missing req_id")
	}
	return problems
}

func (s *Server) execute(op string, args map[string]any) (any, error) {
	switch op {
	case "ping":
		return map[string]any{"pong": true, "ts": float64(time.Now().UnixNano()) / 1e9}, nil
	case "health":
		if s.opts.Health != nil {
			return s.opts.Health(), nil
		}
		return map[string]any{"healthy": true}, nil
	case "bus.get_recent":
		store, err := s.store(args)
		if err != nil {
			return nil, err
		}
		topic, _ := args["topic"].(string)
		events := store.GetRecent(topic, s.capLimit(intOf(args["limit"])))
		return map[string]any{"records": eventMaps(events)}, nil
	case "bus.get_since":
		store, err := s.store(args)
		if err != nil {
			return nil, err
		}
		topic, _ := args["topic"].(string)
		events := store.GetSince(topic, uintOf(args["after_seq"]), s.capLimit(intOf(args["limit"])))
		return map[string]any{"records": eventMaps(events)}, nil
	case "bus.query":
		store, err := s.store(args)
		if err != nil {
			return nil, err
		}
		p := queryParams(args)
		p.Limit = s.capLimit(p.Limit)
		return map[string]any{"records": eventMaps(store.Query(p))}, nil
	case "bus.replay":
		store, err := s.store(args)
		if err != nil {
			return nil, err
		}
		plan, _ := args["plan"].(map[string]any)
		events, err := bus.Evaluate(store, decodeNode(plan))
		if err != nil {
			return nil, err
		}
		if len(events) > s.opts.MaxLimit {
			events = events[:s.opts.MaxLimit]
		}
		return map[string]any{"records": eventMaps(events)}, nil
	case "bus.publish":
		store, err := s.store(args)
		if err != nil {
			return nil, err
		}
		topic, _ := args["topic"].(string)
		payload, _ := args["payload"].(map[string]any)
		if err := checkPayloadSize(payload); err != nil {
			return nil, err
		}
		ev, err := store.Publish(topic, payload)
		if err != nil {
			return nil, err
		}
		return map[string]any{"seq": ev.Seq, "id": ev.Index.ID, "rev": store.Rev()}, nil
	case "bus.list_topics":
		store, err := s.store(args)
		if err != nil {
			return nil, err
		}
		return map[string]any{"topics": store.Topics()}, nil
	}
	return nil, errors.NewInvalid("op", op, "unknown operation")
}

func (s *Server) store(args map[string]any) (*bus.Store, error) {
	name, _ := args["bus"].(string)
	store, ok := s.opts.Stores[name]
	if !ok {
		return nil, errors.NewNotFound("bus", name)
	}
	return store, nil
}

func (s *Server) capLimit(limit int) int {
	if limit <= 0 || limit > s.opts.MaxLimit {
		return s.opts.MaxLimit
	}
	return limit
}

func (s *Server) writeError(w *wire, reqID, code, message string, details map[string]any) {
	errBody := map[string]any{"code": code, "message": message}
	if len(details) > 0 {
		errBody["details"] = details
	}
	s.writeReply(w, map[string]any{
		"v": ProtocolVersion, "ok": false, "req_id": reqID, "error": errBody,
	})
}

func (s *Server) writeReply(w *wire, envelope map[string]any) {
	if err := w.write(envelope); err != nil {
		s.logger.Debug("reply not written", zap.Error(err))
	}
}
