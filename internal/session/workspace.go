package session

import (
	"context"
	"sync"
	"time"

	"emoji-sticker-bot/internal/generation"
	"emoji-sticker-bot/internal/sticker"
)

// UIState is the Telegram wizard's view of a workspace.
type UIState struct {
	MessageID     int
	Menu          string // "main" | "expressions" | "style" | "background" | "gallery"
	AwaitingPhoto bool
}

// Workspace is one user's in-memory state: the uploaded portrait, the
// parameter selection, the gallery of the latest run and its orchestrator.
type Workspace struct {
	mu        sync.Mutex
	image     *sticker.UploadedImage
	selection *sticker.Selection
	ui        UIState
	updatedAt time.Time

	gallery *sticker.Gallery
	orch    *generation.Orchestrator
}

// View is a consistent snapshot used to render a workspace.
type View struct {
	HasImage    bool                 `json:"hasImage"`
	ImageURL    string               `json:"imageUrl,omitempty"`
	Presets     []string             `json:"presets"`
	Custom      []string             `json:"custom"`
	Effective   []string             `json:"effective"`
	Style       string               `json:"style"`
	Background  sticker.Background   `json:"background"`
	State       generation.State     `json:"state"`
	Running     bool                 `json:"running"`
	Error       *generation.RunError `json:"-"`
	ErrorText   string               `json:"error,omitempty"`
	Run         int                  `json:"run"`
	Images      []sticker.Tile       `json:"images"`
	Selected    int                  `json:"selected"`
	AllSelected bool                 `json:"allSelected"`
}

// SetImage replaces the portrait wholesale.
func (w *Workspace) SetImage(img sticker.UploadedImage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.image = &img
	w.ui.AwaitingPhoto = false
	w.touchLocked()
}

func (w *Workspace) Image() (sticker.UploadedImage, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.image == nil {
		return sticker.UploadedImage{}, false
	}
	return *w.image, true
}

// UpdateSelection runs fn against the selection under the workspace lock.
func (w *Workspace) UpdateSelection(fn func(*sticker.Selection) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.touchLocked()
	return fn(w.selection)
}

func (w *Workspace) UI() UIState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ui
}

func (w *Workspace) UpdateUI(fn func(*UIState)) UIState {
	w.mu.Lock()
	defer w.mu.Unlock()
	if fn != nil {
		fn(&w.ui)
	}
	w.touchLocked()
	return w.ui
}

func (w *Workspace) Gallery() *sticker.Gallery {
	return w.gallery
}

func (w *Workspace) Running() bool {
	return w.orch.Running()
}

// Generate starts a run with the current image and selection and blocks
// until it ends. onImage is called for every image as it arrives.
func (w *Workspace) Generate(ctx context.Context, onImage func(sticker.GeneratedImage)) error {
	return w.orch.Run(ctx, w.input(onImage))
}

// Start is Generate without the wait: preconditions are reported here and the
// run's result arrives on the channel.
func (w *Workspace) Start(ctx context.Context, onImage func(sticker.GeneratedImage)) (<-chan error, error) {
	return w.orch.Start(ctx, w.input(onImage))
}

func (w *Workspace) input(onImage func(sticker.GeneratedImage)) generation.Input {
	w.mu.Lock()
	in := generation.Input{
		Expressions: w.selection.Effective(),
		Style:       w.selection.Style(),
		Background:  w.selection.Background(),
		OnImage:     onImage,
	}
	if w.image != nil {
		img := *w.image
		in.Image = &img
	}
	w.touchLocked()
	w.mu.Unlock()
	return in
}

// Reset restores the default selection. The portrait and the gallery stay.
func (w *Workspace) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.selection.Reset()
	w.ui.Menu = "main"
	w.touchLocked()
}

func (w *Workspace) View() View {
	snap := w.orch.Snapshot()
	running := snap.State == generation.StateRunning

	w.mu.Lock()
	custom := w.selection.Custom()
	v := View{
		HasImage:   w.image != nil,
		Presets:    w.selection.Presets(),
		Custom:     custom[:],
		Effective:  w.selection.Effective(),
		Style:      w.selection.Style(),
		Background: w.selection.Background(),
	}
	if w.image != nil {
		v.ImageURL = w.image.DataURL()
	}
	w.mu.Unlock()

	v.State = snap.State
	v.Running = running
	v.Error = snap.Err
	if snap.Err != nil {
		v.ErrorText = snap.Err.Message
	}
	v.Run = w.gallery.Run()
	v.Images = w.gallery.View(running)
	if v.Images == nil {
		v.Images = []sticker.Tile{}
	}
	v.Selected = len(w.gallery.Selected())
	v.AllSelected = w.gallery.AllSelected()
	return v
}

func (w *Workspace) UpdatedAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.updatedAt
}

func (w *Workspace) touchLocked() {
	w.updatedAt = time.Now()
}
