package sticker

import (
	"fmt"
	"strings"
)

// Selection is the parameter state a run is built from: toggled presets, the
// custom slots, one style and one background.
type Selection struct {
	presets    []string
	custom     [CustomSlots]string
	style      string
	background Background
}

func NewSelection() *Selection {
	return &Selection{
		style:      DefaultStyle(),
		background: DefaultBackground(),
	}
}

// TogglePreset flips membership of expr. Two toggles restore the original state.
func (s *Selection) TogglePreset(expr string) {
	for i, p := range s.presets {
		if p == expr {
			s.presets = append(s.presets[:i:i], s.presets[i+1:]...)
			return
		}
	}
	s.presets = append(s.presets, expr)
}

func (s *Selection) HasPreset(expr string) bool {
	for _, p := range s.presets {
		if p == expr {
			return true
		}
	}
	return false
}

func (s *Selection) Presets() []string {
	return append([]string(nil), s.presets...)
}

// SetCustom replaces slot i verbatim; trimming happens in Effective.
func (s *Selection) SetCustom(i int, value string) error {
	if i < 0 || i >= CustomSlots {
		return fmt.Errorf("custom slot %d out of range [0,%d)", i, CustomSlots)
	}
	s.custom[i] = value
	return nil
}

func (s *Selection) Custom() [CustomSlots]string {
	return s.custom
}

func (s *Selection) SetStyle(name string) error {
	st, ok := LookupStyle(name)
	if !ok {
		return fmt.Errorf("unknown style %q", name)
	}
	s.style = st.Name
	return nil
}

func (s *Selection) Style() string {
	return s.style
}

func (s *Selection) SetBackground(value string) error {
	bg, ok := ParseBackground(value)
	if !ok {
		return fmt.Errorf("unknown background %q", value)
	}
	s.background = bg
	return nil
}

func (s *Selection) Background() Background {
	return s.background
}

// Effective returns presets in toggle order followed by the non-blank custom
// entries, trimmed and deduplicated.
func (s *Selection) Effective() []string {
	return uniq(append(append([]string(nil), s.presets...), s.custom[:]...))
}

func (s *Selection) Reset() {
	*s = *NewSelection()
}

func uniq(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
