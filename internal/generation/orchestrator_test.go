package generation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"emoji-sticker-bot/internal/metrics"
	"emoji-sticker-bot/internal/sticker"
)

// --- fakes ---

type call struct {
	expression string
	prompt     string
}

type fakeGenerator struct {
	mu      sync.Mutex
	calls   []call
	results map[string]func() ([]byte, error)
	// inFlight tracks concurrent calls to prove requests never overlap.
	inFlight    int
	maxInFlight int
	block       chan struct{}
}

func (f *fakeGenerator) GenerateImage(ctx context.Context, image sticker.UploadedImage, prompt string) ([]byte, error) {
	f.mu.Lock()
	expr := expressionOf(prompt)
	f.calls = append(f.calls, call{expression: expr, prompt: prompt})
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	fn := f.results[expr]
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if fn == nil {
		return []byte("png:" + expr), nil
	}
	return fn()
}

func (f *fakeGenerator) expressions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.expression)
	}
	return out
}

// expressionOf pulls the expression back out of the built prompt.
func expressionOf(prompt string) string {
	const marker = "这张贴纸的表情应为“"
	i := strings.Index(prompt, marker)
	if i < 0 {
		return ""
	}
	rest := prompt[i+len(marker):]
	return rest[:strings.Index(rest, "”")]
}

type fakeClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
	err    error
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	return c.err
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sleeps)
}

type harness struct {
	orch    *Orchestrator
	gen     *fakeGenerator
	clock   *fakeClock
	gallery *sticker.Gallery
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		gen:     &fakeGenerator{results: map[string]func() ([]byte, error){}},
		clock:   &fakeClock{},
		gallery: sticker.NewGallery(),
	}
	orch, err := New(Options{
		Generator: h.gen,
		Sink:      h.gallery,
		Clock:     h.clock,
		StepDelay: DefaultStepDelay,
		Now:       func() time.Time { return time.UnixMilli(1700000000000) },
		Metrics:   metrics.MustNew(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	h.orch = orch
	return h
}

func testImage() *sticker.UploadedImage {
	return &sticker.UploadedImage{Data: "aGVsbG8=", MimeType: "image/jpeg"}
}

func input(exprs ...string) Input {
	return Input{
		Image:       testImage(),
		Expressions: exprs,
		Style:       sticker.DefaultStyle(),
		Background:  sticker.BackgroundBordered,
	}
}

// --- tests ---

func TestOrchestrator_MissingImage(t *testing.T) {
	h := newHarness(t)
	in := input("开心")
	in.Image = nil

	err := h.orch.Run(context.Background(), in)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, KindMissingImage, runErr.Kind)
	assert.Empty(t, h.gen.expressions())
	assert.Equal(t, 0, h.clock.count())

	snap := h.orch.Snapshot()
	assert.Equal(t, StateAborted, snap.State)
	assert.Equal(t, KindMissingImage, snap.Err.Kind)
}

func TestOrchestrator_MissingExpression(t *testing.T) {
	h := newHarness(t)

	sel := sticker.NewSelection()
	for i := 0; i < sticker.CustomSlots; i++ {
		require.NoError(t, sel.SetCustom(i, "   "))
	}
	err := h.orch.Run(context.Background(), input(sel.Effective()...))

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, KindMissingExpression, runErr.Kind)
	assert.Empty(t, h.gen.expressions())
}

func TestOrchestrator_MissingImageCheckedBeforeExpressions(t *testing.T) {
	h := newHarness(t)
	err := h.orch.Run(context.Background(), Input{})

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, KindMissingImage, runErr.Kind)
}

func TestOrchestrator_AllSucceed(t *testing.T) {
	h := newHarness(t)
	var streamed []string
	in := input("开心", "惊讶")
	in.OnImage = func(img sticker.GeneratedImage) {
		streamed = append(streamed, img.Prompt)
		// the gallery already holds the image when the observer runs
		assert.Equal(t, len(streamed), h.gallery.Len())
	}

	err := h.orch.Run(context.Background(), in)
	require.NoError(t, err)

	images := h.gallery.Images()
	require.Len(t, images, 2)
	assert.Equal(t, "开心", images[0].Prompt)
	assert.Equal(t, "惊讶", images[1].Prompt)
	assert.Equal(t, "开心-1700000000000", images[0].ID)
	assert.True(t, strings.HasPrefix(images[0].URL, "data:image/png;base64,"))
	assert.Equal(t, []string{"开心", "惊讶"}, streamed)

	snap := h.orch.Snapshot()
	assert.Equal(t, StateCompleted, snap.State)
	assert.Nil(t, snap.Err)
	assert.Equal(t, 2, snap.Produced)

	// the delay follows every step, the last one included
	assert.Equal(t, []time.Duration{DefaultStepDelay, DefaultStepDelay}, h.clock.sleeps)
}

func TestOrchestrator_RequestsFollowExpressionOrder(t *testing.T) {
	h := newHarness(t)
	exprs := []string{"得意", "开心", "自定义一", "哭泣"}

	require.NoError(t, h.orch.Run(context.Background(), input(exprs...)))
	assert.Equal(t, exprs, h.gen.expressions())
	assert.Equal(t, 1, h.gen.maxInFlight)
}

func TestOrchestrator_RateLimitAbortsRun(t *testing.T) {
	h := newHarness(t)
	h.gen.results["惊讶"] = func() ([]byte, error) {
		return nil, errors.New(`{"error":{"code":429,"status":"RESOURCE_EXHAUSTED"}}`)
	}

	err := h.orch.Run(context.Background(), input("开心", "惊讶", "生气"))

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, KindRateLimited, runErr.Kind)
	assert.Equal(t, []string{"开心", "惊讶"}, h.gen.expressions())

	images := h.gallery.Images()
	require.Len(t, images, 1)
	assert.Equal(t, "开心", images[0].Prompt)

	// no delay after the aborting failure
	assert.Equal(t, 1, h.clock.count())
	assert.Equal(t, StateAborted, h.orch.Snapshot().State)
}

func TestOrchestrator_SkipsMissingImageAndStillWaits(t *testing.T) {
	h := newHarness(t)
	h.gen.results["开心"] = func() ([]byte, error) { return nil, nil }

	require.NoError(t, h.orch.Run(context.Background(), input("开心", "惊讶")))

	images := h.gallery.Images()
	require.Len(t, images, 1)
	assert.Equal(t, "惊讶", images[0].Prompt)
	assert.Equal(t, 2, h.clock.count())
}

func TestOrchestrator_NothingProduced(t *testing.T) {
	h := newHarness(t)
	h.gen.results["开心"] = func() ([]byte, error) { return nil, nil }

	err := h.orch.Run(context.Background(), input("开心"))

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, KindNothingProduced, runErr.Kind)
	assert.Equal(t, StateAborted, h.orch.Snapshot().State)
}

func TestOrchestrator_NewRunClearsGalleryAndError(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Run(context.Background(), input("开心", "惊讶")))
	h.gallery.ToggleAll()
	require.Len(t, h.gallery.Selected(), 2)

	var selectedAtFirstRequest, imagesAtFirstRequest int
	h.gen.results["生气"] = func() ([]byte, error) {
		selectedAtFirstRequest = len(h.gallery.Selected())
		imagesAtFirstRequest = h.gallery.Len()
		return []byte("x"), nil
	}

	require.NoError(t, h.orch.Run(context.Background(), input("生气")))
	assert.Equal(t, 0, selectedAtFirstRequest)
	assert.Equal(t, 0, imagesAtFirstRequest)
	assert.Len(t, h.gallery.Images(), 1)
	assert.Nil(t, h.orch.Snapshot().Err)
}

func TestOrchestrator_SingleFlight(t *testing.T) {
	h := newHarness(t)
	h.gen.block = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(context.Background(), input("开心")) }()

	require.Eventually(t, h.orch.Running, time.Second, time.Millisecond)

	err := h.orch.Run(context.Background(), input("惊讶"))
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(h.gen.block)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"开心"}, h.gen.expressions())
}

func TestOrchestrator_StartEntersRunningBeforeReturning(t *testing.T) {
	h := newHarness(t)
	h.gen.block = make(chan struct{})

	done, err := h.orch.Start(context.Background(), input("开心"))
	require.NoError(t, err)
	assert.True(t, h.orch.Running())

	_, err = h.orch.Start(context.Background(), input("惊讶"))
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(h.gen.block)
	require.NoError(t, <-done)
	assert.Equal(t, StateCompleted, h.orch.Snapshot().State)
}

func TestOrchestrator_StartReportsPreconditionsSynchronously(t *testing.T) {
	h := newHarness(t)

	done, err := h.orch.Start(context.Background(), Input{Expressions: []string{"开心"}})
	assert.Nil(t, done)
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, KindMissingImage, runErr.Kind)
}

func TestOrchestrator_CancelledDuringDelay(t *testing.T) {
	h := newHarness(t)
	h.clock.err = context.Canceled

	err := h.orch.Run(context.Background(), input("开心", "惊讶"))

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, KindGenerationFailed, runErr.Kind)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"开心"}, h.gen.expressions())
	assert.Len(t, h.gallery.Images(), 1)
}

func TestOrchestrator_LimiterSharedAcrossRuns(t *testing.T) {
	limiter := semaphore.NewWeighted(1)
	require.True(t, limiter.TryAcquire(1))

	gen := &fakeGenerator{}
	orch, err := New(Options{Generator: gen, Sink: sticker.NewGallery(), Clock: &fakeClock{}, Limiter: limiter})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = orch.Run(ctx, input("开心"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, gen.expressions())
	assert.Equal(t, StateAborted, orch.Snapshot().State)
}

func TestOrchestrator_BackgroundFragmentInPrompt(t *testing.T) {
	h := newHarness(t)
	in := input("开心")
	in.Background = sticker.BackgroundTransparent
	require.NoError(t, h.orch.Run(context.Background(), in))

	h.gen.mu.Lock()
	prompt := h.gen.calls[0].prompt
	h.gen.mu.Unlock()
	assert.Contains(t, prompt, sticker.BackgroundRequirement(sticker.BackgroundTransparent))
	assert.NotContains(t, prompt, sticker.BackgroundRequirement(sticker.BackgroundBordered))
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Options{Sink: sticker.NewGallery()})
	assert.Error(t, err)

	_, err = New(Options{Generator: &fakeGenerator{}})
	assert.Error(t, err)
}
