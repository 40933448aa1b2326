package web

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emoji-sticker-bot/internal/metrics"
	"emoji-sticker-bot/internal/session"
	"emoji-sticker-bot/internal/sticker"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type gatedGenerator struct {
	mu   sync.Mutex
	gate chan struct{}
}

func (g *gatedGenerator) GenerateImage(ctx context.Context, _ sticker.UploadedImage, prompt string) ([]byte, error) {
	g.mu.Lock()
	gate := g.gate
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []byte(prompt), nil
}

type noSleep struct{}

func (noSleep) Sleep(context.Context, time.Duration) error { return nil }

type client struct {
	t       *testing.T
	handler http.Handler
	cookie  *http.Cookie
}

func (c *client) do(req *http.Request) *httptest.ResponseRecorder {
	c.t.Helper()
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == sessionCookie {
			c.cookie = ck
		}
	}
	return rec
}

func (c *client) postJSON(path string, body any) (*httptest.ResponseRecorder, session.View) {
	c.t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(c.t, err)
	rec := c.do(httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw)))
	var v session.View
	_ = json.Unmarshal(rec.Body.Bytes(), &v)
	return rec, v
}

func (c *client) state() session.View {
	c.t.Helper()
	rec := c.do(httptest.NewRequest(http.MethodGet, "/api/state", nil))
	require.Equal(c.t, http.StatusOK, rec.Code)
	var v session.View
	require.NoError(c.t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func (c *client) upload(contentType string, data []byte) *httptest.ResponseRecorder {
	c.t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="image"; filename="me.png"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(c.t, err)
	_, _ = part.Write(data)
	require.NoError(c.t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/image", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req)
}

func newTestServer(t *testing.T, gen *gatedGenerator) (*Server, *client) {
	t.Helper()
	reg := prometheus.NewRegistry()
	store, err := session.NewStore(session.Options{
		Generator: gen,
		Clock:     noSleep{},
		Metrics:   metrics.MustNew(reg),
	})
	require.NoError(t, err)

	srv, err := New(Options{Workspaces: store, Gatherer: reg})
	require.NoError(t, err)
	return srv, &client{t: t, handler: srv.Handler()}
}

func TestCatalog(t *testing.T) {
	_, c := newTestServer(t, &gatedGenerator{})

	rec := c.do(httptest.NewRequest(http.MethodGet, "/api/catalog", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got catalogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, sticker.PresetExpressions(), got.Expressions)
	assert.Equal(t, sticker.CustomSlots, got.CustomSlots)
	assert.Len(t, got.Backgrounds, 2)
	assert.Nil(t, c.cookie)
}

func TestStateIssuesSessionCookie(t *testing.T) {
	_, c := newTestServer(t, &gatedGenerator{})

	v := c.state()
	require.NotNil(t, c.cookie)
	assert.False(t, v.HasImage)
	assert.Equal(t, sticker.DefaultStyle(), v.Style)

	first := c.cookie.Value
	c.state()
	assert.Equal(t, first, c.cookie.Value)
}

func TestUploadIgnoresNonImage(t *testing.T) {
	_, c := newTestServer(t, &gatedGenerator{})

	rec := c.upload("image/png", pngBytes)
	require.Equal(t, http.StatusOK, rec.Code)
	before := c.state()
	require.True(t, before.HasImage)

	rec = c.upload("text/plain", []byte("hello"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, before.ImageURL, c.state().ImageURL)
}

func TestSelectionEndpoints(t *testing.T) {
	_, c := newTestServer(t, &gatedGenerator{})

	rec, v := c.postJSON("/api/expressions/toggle", map[string]string{"expression": "开心"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"开心"}, v.Presets)

	rec, _ = c.postJSON("/api/expressions/toggle", map[string]string{"expression": "unknown"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, v = c.postJSON("/api/expressions/custom", map[string]any{"index": 1, "value": " 眨眼 "})
	assert.Equal(t, []string{"开心", "眨眼"}, v.Effective)

	rec, _ = c.postJSON("/api/expressions/custom", map[string]any{"index": 6, "value": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, v = c.postJSON("/api/style", map[string]string{"name": "像素风"})
	assert.Equal(t, "像素风", v.Style)

	_, v = c.postJSON("/api/background", map[string]string{"id": "transparent"})
	assert.Equal(t, sticker.BackgroundTransparent, v.Background)

	rec, _ = c.postJSON("/api/background", map[string]string{"id": "plaid"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = c.do(httptest.NewRequest(http.MethodPost, "/api/style", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateRequiresImage(t *testing.T) {
	_, c := newTestServer(t, &gatedGenerator{})
	c.postJSON("/api/expressions/toggle", map[string]string{"expression": "开心"})

	rec := c.do(httptest.NewRequest(http.MethodPost, "/api/generate", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "请先上传一张图片。", c.state().ErrorText)
}

func TestGenerateGalleryAndDownload(t *testing.T) {
	gen := &gatedGenerator{gate: make(chan struct{})}
	srv, c := newTestServer(t, gen)

	c.upload("image/png", pngBytes)
	c.postJSON("/api/expressions/toggle", map[string]string{"expression": "开心"})
	c.postJSON("/api/expressions/toggle", map[string]string{"expression": "生气"})

	rec := c.do(httptest.NewRequest(http.MethodPost, "/api/generate", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	running := c.state()
	assert.True(t, running.Running)
	assert.Empty(t, running.Images)

	rec = c.do(httptest.NewRequest(http.MethodPost, "/api/generate", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(gen.gate)
	srv.Wait()

	v := c.state()
	assert.Equal(t, "completed", string(v.State))
	require.Len(t, v.Images, 2)
	assert.Equal(t, "开心", v.Images[0].Prompt)

	rec = c.do(httptest.NewRequest(http.MethodGet, "/api/download", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, v = c.postJSON("/api/gallery/toggle", map[string]string{"url": v.Images[1].URL})
	assert.Equal(t, 1, v.Selected)
	_, v = c.postJSON("/api/gallery/toggle", map[string]string{"url": "data:image/png;base64,bm9wZQ=="})
	assert.Equal(t, 1, v.Selected)

	rec = c.do(httptest.NewRequest(http.MethodGet, "/api/download", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("content-type"))

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, "emoji-1.png", zr.File[0].Name)

	_, v = c.postJSON("/api/gallery/toggle-all", nil)
	assert.True(t, v.AllSelected)
	_, v = c.postJSON("/api/gallery/toggle-all", nil)
	assert.Zero(t, v.Selected)
}

func TestMetricsEndpoint(t *testing.T) {
	_, c := newTestServer(t, &gatedGenerator{})

	rec := c.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sticker_generation_runs_active")
}

func TestStaticIndex(t *testing.T) {
	_, c := newTestServer(t, &gatedGenerator{})

	rec := c.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "AI 表情包生成器")
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestCatalogPreviewsAreServed(t *testing.T) {
	_, c := newTestServer(t, &gatedGenerator{})

	var paths []string
	for _, s := range sticker.Styles() {
		paths = append(paths, s.PreviewImage)
	}
	for _, b := range sticker.Backgrounds() {
		paths = append(paths, b.PreviewImage)
	}

	for _, p := range paths {
		rec := c.do(httptest.NewRequest(http.MethodGet, p, nil))
		assert.Equal(t, http.StatusOK, rec.Code, p)
		assert.Contains(t, rec.Body.String(), "<svg", p)
	}
}
