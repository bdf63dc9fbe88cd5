package support

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MeKo-Tech/scanpreview/internal/scan"
	"github.com/MeKo-Tech/scanpreview/internal/server"
	"github.com/MeKo-Tech/scanpreview/internal/session"
	"github.com/MeKo-Tech/scanpreview/internal/vision"
)

// TestContext holds the state for one scenario.
type TestContext struct {
	Engine     *vision.Handle
	Held       *heldEngine
	release    chan struct{}
	Server     *server.Server
	HTTPServer *httptest.Server

	SessionID string
	events    *websocket.Conn
	mu        sync.Mutex
	observed  []session.State
	streamEnd chan struct{}

	// Last HTTP exchange.
	LastStatusCode int
	LastBody       []byte
	LastHeaders    http.Header
}

// NewTestContext creates an empty scenario context.
func NewTestContext() *TestContext {
	return &TestContext{}
}

// Cleanup stops the server and releases anything a scenario left blocked.
func (tc *TestContext) Cleanup() error {
	if tc.release != nil {
		close(tc.release)
		tc.release = nil
	}
	if tc.Held != nil {
		tc.Held.Release()
	}
	if tc.events != nil {
		_ = tc.events.Close()
		<-tc.streamEnd
	}
	if tc.HTTPServer != nil {
		tc.HTTPServer.Close()
	}
	if tc.Server != nil {
		return tc.Server.Close()
	}
	return nil
}

// startServer builds a server around the scenario's engine handle.
func (tc *TestContext) startServer() error {
	if tc.Engine == nil {
		return fmt.Errorf("no vision engine configured for this scenario")
	}
	runner, err := scan.NewRunner(scan.GaussianPreset(), 2)
	if err != nil {
		return err
	}
	srv, err := server.NewServer(server.Config{
		CORSOrigin:  "*",
		MaxUploadMB: 5,
		TimeoutSec:  20,
		SessionTTL:  time.Minute,
		Engine:      tc.Engine,
		Runner:      runner,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	tc.Server = srv
	tc.HTTPServer = httptest.NewServer(mux)
	return nil
}

func (tc *TestContext) sessionURL(suffix string) string {
	return tc.HTTPServer.URL + "/api/sessions/" + tc.SessionID + suffix
}

// do performs req and records the response.
func (tc *TestContext) do(req *http.Request) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	tc.LastStatusCode = resp.StatusCode
	tc.LastBody = body
	tc.LastHeaders = resp.Header
	return nil
}

func (tc *TestContext) get(url string) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return tc.do(req)
}

// upload posts data as the session's selected file.
func (tc *TestContext) upload(filename, contentType string, data []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, tc.sessionURL("/file"), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return tc.do(req)
}

// snapshot fetches the current session snapshot.
func (tc *TestContext) snapshot() (session.Snapshot, error) {
	var snap session.Snapshot
	if err := tc.get(tc.sessionURL("")); err != nil {
		return snap, err
	}
	if tc.LastStatusCode != http.StatusOK {
		return snap, fmt.Errorf("session lookup returned %d: %s", tc.LastStatusCode, tc.LastBody)
	}
	err := json.Unmarshal(tc.LastBody, &snap)
	return snap, err
}

// followEvents subscribes to the session's websocket stream and records
// every state it reports.
func (tc *TestContext) followEvents() error {
	url := "ws" + strings.TrimPrefix(tc.sessionURL("/events"), "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	_ = resp.Body.Close()
	tc.events = conn
	tc.streamEnd = make(chan struct{})

	go func() {
		defer close(tc.streamEnd)
		for {
			var msg struct {
				Type    string           `json:"type"`
				Payload session.Snapshot `json:"payload"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type != "snapshot" {
				continue
			}
			tc.mu.Lock()
			if n := len(tc.observed); n == 0 || tc.observed[n-1] != msg.Payload.State {
				tc.observed = append(tc.observed, msg.Payload.State)
			}
			tc.mu.Unlock()
		}
	}()
	return nil
}

func (tc *TestContext) observedStates() []session.State {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]session.State(nil), tc.observed...)
}
