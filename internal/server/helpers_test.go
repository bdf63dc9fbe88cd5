package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/scanpreview/internal/scan"
	"github.com/MeKo-Tech/scanpreview/internal/vision"
	"github.com/MeKo-Tech/scanpreview/internal/vision/native"
)

func newTestServer(t *testing.T, handle *vision.Handle, opts ...func(*Config)) *Server {
	t.Helper()
	if handle == nil {
		handle = vision.Ready(native.New())
	}
	runner, err := scan.NewRunner(scan.GaussianPreset(), 2)
	require.NoError(t, err)

	cfg := Config{
		CORSOrigin:  "*",
		MaxUploadMB: 5,
		TimeoutSec:  10,
		SessionTTL:  time.Minute,
		Engine:      handle,
		Runner:      runner,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newMux(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return mux
}

// loadingHandle never becomes ready while the test runs.
func loadingHandle(t *testing.T) *vision.Handle {
	t.Helper()
	release := make(chan struct{})
	h := vision.Open(context.Background(), native.Name, func(ctx context.Context) (vision.Engine, error) {
		select {
		case <-release:
			return native.New(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, time.Minute)
	t.Cleanup(func() { close(release) })
	return h
}

// brokenHandle has already failed to initialize.
func brokenHandle(t *testing.T) *vision.Handle {
	t.Helper()
	h := vision.Open(context.Background(), "broken", func(context.Context) (vision.Engine, error) {
		return nil, errors.New("backend missing")
	}, time.Second)
	<-h.Done()
	return h
}

// uploadBody builds a multipart body with one "image" part.
func uploadBody(t *testing.T, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, filename))
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func serve(mux http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, target, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	body, ct := uploadBody(t, filename, contentType, data)
	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set("Content-Type", ct)
	return req
}
