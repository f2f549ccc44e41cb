package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexabus/nexabus/bus"
	"github.com/nexabus/nexabus/http/responder"
	"github.com/nexabus/nexabus/ipc"
	"github.com/nexabus/nexabus/json"
	"github.com/nexabus/nexabus/logging"
	"github.com/nexabus/nexabus/registry"
	"github.com/nexabus/nexabus/runs"
)

type fixture struct {
	srv     *Server
	ts      *httptest.Server
	manager *runs.Manager
	runsBus *bus.Store
}

func newFixture(t *testing.T, trigger runs.TriggerFunc) *fixture {
	t.Helper()
	logger := logging.FromZap(zap.NewNop())

	runsBus := bus.NewStore(bus.StoreRuns, bus.Limits{})
	exportBus := bus.NewStore(bus.StoreExport, bus.Limits{})
	manager := runs.NewManager(runs.Options{
		RunsStore:   runsBus,
		ExportStore: exportBus,
		Trigger:     trigger,
		Blobs:       runs.NewBlobStore("", 64),
		Logger:      logger,
		Secret:      []byte("test-secret-0123"),
		TokenTTL:    time.Minute,
		ExecTimeout: 2 * time.Second,
	})

	reg, err := registry.New("1.4.0", logger)
	require.NoError(t, err)

	srv := New(Options{
		Addr:     "127.0.0.1:0",
		Runs:     manager,
		Registry: reg,
		Trigger:  trigger,
		RunsBus:  runsBus,
		Logger:   logger,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, ts: ts, manager: manager, runsBus: runsBus}
}

func okTrigger(_ context.Context, _, _ string, args map[string]any, _ time.Duration) (ipc.Result, error) {
	text, _ := args["text"].(string)
	return ipc.Result{OK: true, Data: map[string]any{"hello": text}}, nil
}

func postJSON(t *testing.T, url, body string) (*http.Response, responder.Envelope) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var env responder.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func getJSON(t *testing.T, url string) (*http.Response, responder.Envelope) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env responder.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func TestTrigger_Echo(t *testing.T) {
	f := newFixture(t, okTrigger)

	resp, env := postJSON(t, f.ts.URL+"/trigger",
		`{"plugin_id":"p1","entry_id":"echo","args":{"text":"world"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.Success)

	data := env.Data.(map[string]any)
	pluginResp := data["plugin_response"].(map[string]any)
	assert.Equal(t, "world", pluginResp["hello"])
}

func TestTrigger_ValidatesBody(t *testing.T) {
	f := newFixture(t, okTrigger)

	resp, env := postJSON(t, f.ts.URL+"/trigger", `{"plugin_id":"p1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestRun_CreateGetAndExport(t *testing.T) {
	f := newFixture(t, okTrigger)

	resp, env := postJSON(t, f.ts.URL+"/runs",
		`{"plugin_id":"p1","entry_id":"echo","args":{"text":"hi"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	data := env.Data.(map[string]any)
	runID := data["run_id"].(string)
	require.NotEmpty(t, runID)
	require.NotEmpty(t, data["run_token"])

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, env = getJSON(t, f.ts.URL+"/runs/"+runID)
		rec := env.Data.(map[string]any)
		if rec["status"] == "succeeded" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run stuck in %v", rec["status"])
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, env = getJSON(t, f.ts.URL+"/runs/"+runID+"/export?limit=10")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := env.Data.(map[string]any)["items"].([]any)
	require.Len(t, items, 1)

	_, env = getJSON(t, f.ts.URL+"/runs/ghost")
	assert.False(t, env.Success)
}

func TestRun_IdempotencyKey(t *testing.T) {
	f := newFixture(t, okTrigger)

	_, env1 := postJSON(t, f.ts.URL+"/runs",
		`{"plugin_id":"p1","entry_id":"echo","idempotency_key":"k1"}`)
	_, env2 := postJSON(t, f.ts.URL+"/runs",
		`{"plugin_id":"p1","entry_id":"echo","idempotency_key":"k1"}`)
	id1 := env1.Data.(map[string]any)["run_id"]
	id2 := env2.Data.(map[string]any)["run_id"]
	assert.Equal(t, id1, id2)
}

func TestUploadsAndBlobs(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(context.Context, string, string, map[string]any, time.Duration) (ipc.Result, error) {
		<-release
		return ipc.Result{OK: true}, nil
	})
	defer close(release)

	_, env := postJSON(t, f.ts.URL+"/runs", `{"plugin_id":"p1","entry_id":"echo"}`)
	runID := env.Data.(map[string]any)["run_id"].(string)

	_, env = postJSON(t, f.ts.URL+"/runs/"+runID+"/uploads", `{}`)
	uploadID := env.Data.(map[string]any)["upload_id"].(string)

	req, err := http.NewRequest(http.MethodPut,
		f.ts.URL+"/uploads/"+uploadID, bytes.NewReader([]byte("blob-bytes")))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var putEnv responder.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&putEnv))
	blobID := putEnv.Data.(map[string]any)["blob_id"].(string)

	dl, err := http.Get(f.ts.URL + "/runs/" + runID + "/blobs/" + blobID)
	require.NoError(t, err)
	defer dl.Body.Close()
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, "blob-bytes", buf.String())

	// A second PUT on the same upload id fails: slots are single use.
	req, _ = http.NewRequest(http.MethodPut,
		f.ts.URL+"/uploads/"+uploadID, bytes.NewReader([]byte("x")))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpload_SizeCap(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(context.Context, string, string, map[string]any, time.Duration) (ipc.Result, error) {
		<-release
		return ipc.Result{OK: true}, nil
	})
	defer close(release)

	_, env := postJSON(t, f.ts.URL+"/runs", `{"plugin_id":"p1","entry_id":"echo"}`)
	runID := env.Data.(map[string]any)["run_id"].(string)
	_, env = postJSON(t, f.ts.URL+"/runs/"+runID+"/uploads", `{}`)
	uploadID := env.Data.(map[string]any)["upload_id"].(string)

	// The fixture blob store caps uploads at 64 bytes.
	req, _ := http.NewRequest(http.MethodPut,
		f.ts.URL+"/uploads/"+uploadID, bytes.NewReader(make([]byte, 128)))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws/run"
}

func TestRunSocket_AuthAndRequests(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(context.Context, string, string, map[string]any, time.Duration) (ipc.Result, error) {
		<-release
		return ipc.Result{OK: true}, nil
	})

	_, env := postJSON(t, f.ts.URL+"/runs", `{"plugin_id":"p1","entry_id":"echo"}`)
	data := env.Data.(map[string]any)
	runID := data["run_id"].(string)
	token := data["run_token"].(string)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.ts.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "auth", "token": token}))
	var ready wsFrame
	require.NoError(t, conn.ReadJSON(&ready))
	require.Equal(t, "session.ready", ready.Type)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "req", "id": "1", "op": "run.get",
	}))

	// The run finishes while the socket is open; collect the resp frame and
	// at least one bus.change push carrying the terminal status.
	close(release)

	var gotResp, gotChange bool
	deadline := time.Now().Add(3 * time.Second)
	for (!gotResp || !gotChange) && time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			continue
		}
		switch frame.Type {
		case "resp":
			require.Equal(t, "1", frame.ID)
			rec := frame.Data.(map[string]any)
			require.Equal(t, runID, rec["run_id"])
			gotResp = true
		case "bus.change":
			change := frame.Data.(map[string]any)
			if change["status"] == "succeeded" {
				gotChange = true
			}
		}
	}
	assert.True(t, gotResp, "run.get reply never arrived")
	assert.True(t, gotChange, "terminal bus.change never arrived")
}

func TestRunSocket_RejectsBadToken(t *testing.T) {
	f := newFixture(t, okTrigger)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.ts.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "auth", "token": "garbage"}))
	var frame wsFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "error", frame.Type)
}
