package generation

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"emoji-sticker-bot/internal/metrics"
	"emoji-sticker-bot/internal/sticker"
)

// DefaultStepDelay keeps consecutive requests under the service's rate limit.
const DefaultStepDelay = 10 * time.Second

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateAborted   State = "aborted"
	StateCompleted State = "completed"
)

// Generator returns the raw bytes of one generated image, or nil when the
// service answered without an image.
type Generator interface {
	GenerateImage(ctx context.Context, image sticker.UploadedImage, prompt string) ([]byte, error)
}

// Sink receives the images of a run. Reset is called once before the first
// request of every run.
type Sink interface {
	Reset()
	Append(img sticker.GeneratedImage)
}

type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Options struct {
	Generator Generator
	Sink      Sink
	Clock     Sleeper
	Now       func() time.Time
	StepDelay time.Duration
	// Limiter bounds concurrent runs across all orchestrators sharing it.
	Limiter *semaphore.Weighted
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Input is everything one run needs. Image is nil when nothing was uploaded.
type Input struct {
	Image       *sticker.UploadedImage
	Expressions []string
	Style       string
	Background  sticker.Background
	// OnImage, when set, is called after each image is appended to the sink.
	OnImage func(sticker.GeneratedImage)
}

type Snapshot struct {
	State    State
	Err      *RunError
	Produced int
}

// Orchestrator runs one expression at a time against the generator, stops at
// the first failure and paces successive requests with a fixed delay. It
// allows a single run in flight.
type Orchestrator struct {
	gen     Generator
	sink    Sink
	clock   Sleeper
	now     func() time.Time
	delay   time.Duration
	limiter *semaphore.Weighted
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	err      *RunError
	produced int
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Generator == nil {
		return nil, errors.New("generator is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("sink is required")
	}

	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	delay := opts.StepDelay
	if delay < 0 {
		delay = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Orchestrator{
		gen:     opts.Generator,
		sink:    opts.Sink,
		clock:   clock,
		now:     now,
		delay:   delay,
		limiter: opts.Limiter,
		metrics: opts.Metrics,
		logger:  logger,
		state:   StateIdle,
	}, nil
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{State: o.state, Err: o.err, Produced: o.produced}
}

func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == StateRunning
}

// Run executes one generation run and returns its RunError, if any. It
// returns ErrRunInProgress without touching any state when another run is
// still going.
func (o *Orchestrator) Run(ctx context.Context, in Input) error {
	if err := o.begin(in); err != nil {
		return err
	}
	return o.execute(ctx, in)
}

// Start checks the preconditions and enters Running before returning, then
// runs the expressions on a new goroutine. The channel receives the run's
// result once and is closed.
func (o *Orchestrator) Start(ctx context.Context, in Input) (<-chan error, error) {
	if err := o.begin(in); err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- o.execute(ctx, in)
	}()
	return done, nil
}

func (o *Orchestrator) execute(ctx context.Context, in Input) error {
	if o.limiter != nil {
		if err := o.limiter.Acquire(ctx, 1); err != nil {
			return o.finish(Classify("", err), StateAborted)
		}
		defer o.limiter.Release(1)
	}

	o.metrics.RunStarted()
	o.logger.InfoContext(ctx, "generation run started", "expressions", len(in.Expressions), "style", in.Style, "background", string(in.Background))

	for _, expr := range in.Expressions {
		prompt := sticker.BuildPrompt(in.Style, in.Background, expr)

		start := time.Now()
		data, err := o.gen.GenerateImage(ctx, *in.Image, prompt)
		if err != nil {
			o.metrics.ObserveRequest("error", time.Since(start))
			runErr := Classify(expr, err)
			o.logger.ErrorContext(ctx, "sticker generation failed", "expression", expr, "kind", string(runErr.Kind), "err", err)
			o.metrics.RunFinished(string(StateAborted))
			return o.finish(runErr, StateAborted)
		}

		if len(data) == 0 {
			o.metrics.ObserveRequest("empty", time.Since(start))
			o.logger.WarnContext(ctx, "no image data returned", "expression", expr)
		} else {
			o.metrics.ObserveRequest("image", time.Since(start))
			img := sticker.NewGeneratedImage(expr, base64.StdEncoding.EncodeToString(data), o.now())
			o.sink.Append(img)
			o.mu.Lock()
			o.produced++
			o.mu.Unlock()
			if in.OnImage != nil {
				in.OnImage(img)
			}
		}

		if err := o.clock.Sleep(ctx, o.delay); err != nil {
			o.metrics.RunFinished(string(StateAborted))
			return o.finish(Classify(expr, err), StateAborted)
		}
	}

	o.mu.Lock()
	produced := o.produced
	o.mu.Unlock()

	if produced == 0 {
		o.metrics.RunFinished(string(StateAborted))
		return o.finish(newNothingProduced(), StateAborted)
	}

	o.logger.InfoContext(ctx, "generation run completed", "images", produced)
	o.metrics.RunFinished(string(StateCompleted))
	return o.finish(nil, StateCompleted)
}

func (o *Orchestrator) begin(in Input) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateRunning {
		return ErrRunInProgress
	}

	switch {
	case in.Image == nil || in.Image.Data == "" || in.Image.MimeType == "":
		o.err = newMissingImage()
		o.state = StateAborted
		return o.err
	case len(in.Expressions) == 0:
		o.err = newMissingExpression()
		o.state = StateAborted
		return o.err
	}

	o.sink.Reset()
	o.err = nil
	o.produced = 0
	o.state = StateRunning
	return nil
}

func (o *Orchestrator) finish(runErr *RunError, state State) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.err = runErr
	o.state = state
	if runErr == nil {
		return nil
	}
	return runErr
}
