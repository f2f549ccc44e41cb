package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nexabus/nexabus/bus"
	"github.com/nexabus/nexabus/logging"
)

const (
	wsPingInterval = 15 * time.Second
	wsReadTimeout  = 45 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsAuthTimeout  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsFrame is every frame on a run socket, both directions.
type wsFrame struct {
	Type  string         `json:"type"`
	ID    string         `json:"id,omitempty"`
	Op    string         `json:"op,omitempty"`
	Token string         `json:"token,omitempty"`
	Args  map[string]any `json:"args,omitempty"`
	Data  any            `json:"data,omitempty"`
	Error string         `json:"error,omitempty"`
}

// runSession is one authenticated /ws/run connection, scoped to a single
// run. Writes are serialized through wmu; pushes, replies, and pings share
// the connection.
type runSession struct {
	conn   *websocket.Conn
	runID  string
	server *Server
	logger logging.Logger

	wmu    sync.Mutex
	closed chan struct{}
	once   sync.Once
}

func (s *Server) handleRunSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := &runSession{
		conn:   conn,
		server: s,
		logger: s.logger.Named("ws"),
		closed: make(chan struct{}),
	}
	defer sess.close()

	if !sess.authenticate() {
		return
	}
	sess.logger = sess.logger.With(zap.String("run_id", sess.runID))

	subID := "ws-" + uuid.NewString()
	s.opts.RunsBus.Hub().Subscribe(subID, sess.onRunChange)
	defer s.opts.RunsBus.Hub().Unsubscribe(subID)

	go sess.pingLoop()
	sess.readLoop()
}

// authenticate expects the first frame to be {type:"auth", token} within
// the auth window.
func (sess *runSession) authenticate() bool {
	_ = sess.conn.SetReadDeadline(time.Now().Add(wsAuthTimeout))
	var frame wsFrame
	if err := sess.conn.ReadJSON(&frame); err != nil {
		return false
	}
	if frame.Type != "auth" {
		sess.send(wsFrame{Type: "error", Error: "first frame must be auth"})
		return false
	}
	payload, err := sess.server.opts.Runs.Verify(frame.Token)
	if err != nil {
		sess.send(wsFrame{Type: "error", Error: "invalid run token"})
		return false
	}
	sess.runID = payload.RunID
	return sess.send(wsFrame{Type: "session.ready", Data: map[string]any{"run_id": sess.runID}})
}

func (sess *runSession) readLoop() {
	_ = sess.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
	for {
		var frame wsFrame
		if err := sess.conn.ReadJSON(&frame); err != nil {
			return
		}
		_ = sess.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if frame.Type != "req" {
			continue
		}
		sess.handleRequest(frame)
	}
}

func (sess *runSession) handleRequest(frame wsFrame) {
	reply := wsFrame{Type: "resp", ID: frame.ID, Op: frame.Op}
	switch frame.Op {
	case "run.get":
		rec, ok := sess.server.opts.Runs.Get(sess.runID)
		if !ok {
			reply.Error = "run not found"
			break
		}
		reply.Data = rec
	case "export.list":
		after := uintArg(frame.Args, "after")
		limit := intArg(frame.Args, "limit", 100)
		reply.Data = map[string]any{
			"items": sess.server.opts.Runs.ListExport(sess.runID, after, limit),
		}
	default:
		reply.Error = "unknown op " + frame.Op
	}
	sess.send(reply)
}

// onRunChange runs on the publisher's goroutine; it must not block, so the
// actual write happens on a short-lived goroutine guarded by wmu.
func (sess *runSession) onRunChange(change bus.Change) {
	if change.ID != sess.runID {
		return
	}
	push := wsFrame{Type: "bus.change", Data: map[string]any{
		"bus": bus.StoreRuns,
		"op":  change.Op,
		"rev": change.Rev,
		"id":  change.ID,
	}}
	if rec, ok := sess.server.opts.Runs.Get(sess.runID); ok {
		push.Data.(map[string]any)["status"] = string(rec.Status)
	}
	go sess.send(push)
}

func (sess *runSession) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sess.wmu.Lock()
			err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			sess.wmu.Unlock()
			if err != nil {
				sess.close()
				return
			}
		case <-sess.closed:
			return
		}
	}
}

func (sess *runSession) send(frame wsFrame) bool {
	sess.wmu.Lock()
	defer sess.wmu.Unlock()
	select {
	case <-sess.closed:
		return false
	default:
	}
	_ = sess.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := sess.conn.WriteJSON(frame); err != nil {
		return false
	}
	return true
}

func (sess *runSession) close() {
	sess.once.Do(func() {
		close(sess.closed)
		_ = sess.conn.Close()
	})
}

func uintArg(args map[string]any, key string) uint64 {
	switch v := args[key].(type) {
	case float64:
		return uint64(v)
	case int:
		return uint64(v)
	case uint64:
		return v
	case int64:
		return uint64(v)
	}
	return 0
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	}
	return def
}
