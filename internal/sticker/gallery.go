package sticker

import (
	"fmt"
	"sync"
	"time"
)

type GeneratedImage struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Prompt string `json:"prompt"`
}

// NewGeneratedImage wraps a base64 PNG payload returned for expression.
func NewGeneratedImage(expression, base64Data string, at time.Time) GeneratedImage {
	return GeneratedImage{
		ID:     fmt.Sprintf("%s-%d", expression, at.UnixMilli()),
		URL:    "data:image/png;base64," + base64Data,
		Prompt: expression,
	}
}

type Tile struct {
	GeneratedImage
	Selected bool `json:"selected"`
}

// Gallery holds the generated images of the current run and the subset
// marked for download. The selection only ever contains URLs of held images.
type Gallery struct {
	mu       sync.Mutex
	run      int
	images   []GeneratedImage
	selected []string
}

func NewGallery() *Gallery {
	return &Gallery{}
}

// Reset empties images and selection together and starts a new run number.
func (g *Gallery) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.run++
	g.images = nil
	g.selected = nil
}

// Run numbers the current contents; it changes on every Reset.
func (g *Gallery) Run() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.run
}

func (g *Gallery) Append(img GeneratedImage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.images = append(g.images, img)
}

func (g *Gallery) Images() []GeneratedImage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]GeneratedImage(nil), g.images...)
}

func (g *Gallery) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.images)
}

// Toggle flips the selection state of url. URLs not in the gallery are ignored.
func (g *Gallery) Toggle(url string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.containsLocked(url) {
		return false
	}
	g.toggleLocked(url)
	return true
}

// ToggleIndex flips the image at idx of the given run. ok is false when run
// is no longer current or idx is out of range; selected reports the new state.
func (g *Gallery) ToggleIndex(run, idx int) (selected, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if run != g.run || idx < 0 || idx >= len(g.images) {
		return false, false
	}
	return g.toggleLocked(g.images[idx].URL), true
}

func (g *Gallery) toggleLocked(url string) bool {
	for i, s := range g.selected {
		if s == url {
			g.selected = append(g.selected[:i:i], g.selected[i+1:]...)
			return false
		}
	}
	g.selected = append(g.selected, url)
	return true
}

// ToggleAll selects every image unless all are already selected, in which
// case it clears the selection.
func (g *Gallery) ToggleAll() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.allSelectedLocked() {
		g.selected = nil
		return
	}
	g.selected = make([]string, 0, len(g.images))
	for _, img := range g.images {
		g.selected = append(g.selected, img.URL)
	}
	g.selected = uniq(g.selected)
}

func (g *Gallery) AllSelected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allSelectedLocked()
}

func (g *Gallery) IsSelected(url string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.selected {
		if s == url {
			return true
		}
	}
	return false
}

// Selected returns the selected URLs in the order they were picked.
func (g *Gallery) Selected() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.selected...)
}

// View renders the gallery. Nothing is shown while a run is in progress.
func (g *Gallery) View(running bool) []Tile {
	if running {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	tiles := make([]Tile, 0, len(g.images))
	for _, img := range g.images {
		selected := false
		for _, s := range g.selected {
			if s == img.URL {
				selected = true
				break
			}
		}
		tiles = append(tiles, Tile{GeneratedImage: img, Selected: selected})
	}
	return tiles
}

func (g *Gallery) allSelectedLocked() bool {
	return len(g.images) > 0 && len(g.selected) == len(g.images)
}

func (g *Gallery) containsLocked(url string) bool {
	for _, img := range g.images {
		if img.URL == url {
			return true
		}
	}
	return false
}
