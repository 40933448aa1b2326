package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/semaphore"

	"emoji-sticker-bot/internal/generation"
	"emoji-sticker-bot/internal/metrics"
	"emoji-sticker-bot/internal/sticker"
)

const (
	defaultMaxSessions = 1000
	defaultTTL         = 60 * time.Minute
)

type Options struct {
	Generator generation.Generator
	Clock     generation.Sleeper
	StepDelay time.Duration
	Limiter   *semaphore.Weighted
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	MaxSessions int
	TTL         time.Duration
}

// Store keeps one Workspace per key. Idle workspaces expire after TTL and the
// least recently used one is dropped once MaxSessions is reached.
type Store struct {
	mu     sync.Mutex
	cache  *expirable.LRU[string, *Workspace]
	opts   Options
	logger *slog.Logger
}

func NewStore(opts Options) (*Store, error) {
	if opts.Generator == nil {
		return nil, errors.New("generator is required")
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = defaultMaxSessions
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Store{opts: opts, logger: logger}
	s.cache = expirable.NewLRU[string, *Workspace](opts.MaxSessions, func(key string, ws *Workspace) {
		s.logger.Debug("workspace evicted", "key", key, "idle", time.Since(ws.UpdatedAt()).Round(time.Second))
	}, opts.TTL)
	return s, nil
}

// Get returns the workspace for key, creating it on first use. Every access
// pushes the expiry out by a full TTL.
func (s *Store) Get(key string) (*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ws, ok := s.cache.Get(key); ok {
		s.cache.Add(key, ws)
		return ws, nil
	}

	ws, err := s.newWorkspace()
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, ws)
	s.logger.Debug("workspace created", "key", key, "sessions", s.cache.Len())
	return ws, nil
}

func (s *Store) newWorkspace() (*Workspace, error) {
	gallery := sticker.NewGallery()
	orch, err := generation.New(generation.Options{
		Generator: s.opts.Generator,
		Sink:      gallery,
		Clock:     s.opts.Clock,
		StepDelay: s.opts.StepDelay,
		Limiter:   s.opts.Limiter,
		Metrics:   s.opts.Metrics,
		Logger:    s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	return &Workspace{
		selection: sticker.NewSelection(),
		ui:        UIState{Menu: "main", AwaitingPhoto: true},
		updatedAt: time.Now(),
		gallery:   gallery,
		orch:      orch,
	}, nil
}

// TelegramKey scopes a workspace to one user in one chat.
func TelegramKey(chatID, userID int64) string {
	return fmt.Sprintf("tg:%d:%d", chatID, userID)
}
