// Package presets holds the rewrite styles used in Enhance mode.
//
// Four presets are built in. Additional presets, or overrides of the
// built-in ones, are read from a TOML file of the form:
//
//	[presets.email]
//	name = "Email"
//	tone = "warm, direct"
//	formality = "semi-formal"
//	instructions = "Short paragraphs, one clear ask per message"
package presets

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"selection-grammar-llm/src/correction"
)

// Preset describes a target writing style.
type Preset struct {
	Name         string `toml:"name"`
	Tone         string `toml:"tone"`
	Formality    string `toml:"formality"`
	Instructions string `toml:"instructions"`
}

type presetsFile struct {
	Presets map[string]Preset `toml:"presets"`
}

var builtin = map[correction.Style]Preset{
	correction.StyleCasual: {
		Name:         "Casual",
		Tone:         "friendly, conversational",
		Formality:    "informal",
		Instructions: "Use simple words, contractions are okay, keep it natural and relaxed",
	},
	correction.StyleBusiness: {
		Name:         "Business",
		Tone:         "professional, polite",
		Formality:    "formal",
		Instructions: "Clear and concise, avoid slang, maintain professional courtesy",
	},
	correction.StyleAcademic: {
		Name:         "Academic",
		Tone:         "objective, analytical",
		Formality:    "highly formal",
		Instructions: "Use precise terminology, passive voice acceptable, maintain scholarly tone",
	},
	correction.StyleCreative: {
		Name:         "Creative",
		Tone:         "expressive, vivid",
		Formality:    "flexible",
		Instructions: "Encourage creativity, use varied sentence structures, be engaging",
	},
}

// Registry is a concurrency-safe set of presets keyed by style.
type Registry struct {
	mu      sync.RWMutex
	presets map[correction.Style]Preset
}

// New returns a Registry holding only the built-in presets.
func New() *Registry {
	r := &Registry{}
	r.presets = defaults()
	return r
}

func defaults() map[correction.Style]Preset {
	m := make(map[correction.Style]Preset, len(builtin))
	for k, v := range builtin {
		m[k] = v
	}
	return m
}

// LoadFile replaces the custom presets with the contents of path. The
// built-in presets are always present. A missing file is not an error.
func (r *Registry) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read presets file: %w", err)
	}

	var f presetsFile
	if _, err := toml.Decode(string(data), &f); err != nil {
		return fmt.Errorf("parse presets file %s: %w", path, err)
	}

	next := defaults()
	for key, p := range f.Presets {
		style := correction.ParseStyle(key)
		if p.Name == "" {
			p.Name = key
		}
		if strings.TrimSpace(p.Instructions) == "" {
			slog.Warn("presets: skipping preset without instructions", "key", key, "file", path)
			continue
		}
		next[style] = p
	}

	r.mu.Lock()
	r.presets = next
	r.mu.Unlock()
	slog.Info("presets: loaded", "file", path, "custom", len(f.Presets))
	return nil
}

// Get returns the preset for style.
func (r *Registry) Get(style correction.Style) (Preset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.presets[correction.ParseStyle(string(style))]
	return p, ok
}

// Keys returns all preset keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.presets))
	for k := range r.presets {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}
