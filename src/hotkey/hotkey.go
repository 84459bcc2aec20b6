// Package hotkey listens for global key combinations through gohook.
package hotkey

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	gohook "github.com/robotn/gohook"
)

// Binding ties a combination such as "Ctrl+Alt+G" to a callback.
type Binding struct {
	Name    string
	Combo   string
	OnPress func()
}

type keyState struct {
	name     string
	rawcodes []uint16
	pressed  bool
}

type combo struct {
	binding Binding
	keys    []keyState
}

// matcher tracks which keys of every combination are held down.
type matcher struct {
	mu     sync.Mutex
	combos []*combo
}

func newMatcher(bindings []Binding) (*matcher, error) {
	m := &matcher{}
	for _, b := range bindings {
		if strings.TrimSpace(b.Combo) == "" {
			continue
		}
		c := &combo{binding: b}
		for _, name := range parseHotkey(b.Combo) {
			rawcodes := keyNameToRawcodes(name)
			if len(rawcodes) == 0 {
				return nil, fmt.Errorf("hotkey %s: cannot map key %q in %q", b.Name, name, b.Combo)
			}
			c.keys = append(c.keys, keyState{name: name, rawcodes: rawcodes})
		}
		m.combos = append(m.combos, c)
	}
	if len(m.combos) == 0 {
		return nil, fmt.Errorf("no hotkeys configured")
	}
	return m, nil
}

// handle records a key event and returns the bindings it completed.
func (m *matcher) handle(down bool, rawcode uint16) []Binding {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fired []Binding
	for _, c := range m.combos {
		for i := range c.keys {
			if matches(c.keys[i].rawcodes, rawcode) {
				c.keys[i].pressed = down
			}
		}
		if !down {
			continue
		}
		all := true
		for i := range c.keys {
			if !c.keys[i].pressed {
				all = false
				break
			}
		}
		if all {
			// Reset so holding the combination fires once.
			for i := range c.keys {
				c.keys[i].pressed = false
			}
			fired = append(fired, c.binding)
		}
	}
	return fired
}

func matches(rawcodes []uint16, rawcode uint16) bool {
	for _, rc := range rawcodes {
		if rc == rawcode {
			return true
		}
	}
	return false
}

// Listen starts the global hook and calls each binding's OnPress when its
// combination is pressed. It returns once the hook is running; the hook is
// stopped when ctx is cancelled.
func Listen(ctx context.Context, bindings ...Binding) error {
	m, err := newMatcher(bindings)
	if err != nil {
		return err
	}
	for _, c := range m.combos {
		slog.Info("hotkey: registered", "name", c.binding.Name, "combo", c.binding.Combo)
	}

	evChan := gohook.Start()
	if evChan == nil {
		return fmt.Errorf("gohook.Start returned no event channel")
	}

	go func() {
		<-ctx.Done()
		gohook.End()
	}()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("hotkey: panic in event loop", "panic", r)
			}
		}()
		for ev := range evChan {
			if ev.Kind != gohook.KeyDown && ev.Kind != gohook.KeyUp {
				continue
			}
			for _, b := range m.handle(ev.Kind == gohook.KeyDown, ev.Rawcode) {
				slog.Info("hotkey: pressed", "name", b.Name)
				if b.OnPress != nil {
					b.OnPress()
				}
			}
		}
		slog.Debug("hotkey: event channel closed")
	}()
	return nil
}

// parseHotkey converts a hotkey string like "Ctrl+Alt+g" to normalized key names
func parseHotkey(hotkeyConfig string) []string {
	parts := strings.Split(strings.ToLower(hotkeyConfig), "+")
	var keys []string

	for _, part := range parts {
		part = strings.TrimSpace(part)
		switch part {
		case "":
		case "control", "ctrl":
			keys = append(keys, "ctrl")
		case "alt", "option":
			keys = append(keys, "alt")
		case "shift":
			keys = append(keys, "shift")
		case "win", "cmd", "super", "meta":
			keys = append(keys, "cmd")
		default:
			keys = append(keys, part)
		}
	}

	return keys
}

// keyNameToRawcodes maps a key name to the rawcodes gohook reports for it,
// both left and right variants for modifiers.
func keyNameToRawcodes(keyName string) []uint16 {
	keyName = strings.ToLower(strings.TrimSpace(keyName))
	if codes, ok := modifierCodes[keyName]; ok {
		return codes
	}
	if codes, ok := specialCodes[keyName]; ok {
		return codes
	}
	if len(keyName) == 1 {
		if c := keyName[0]; (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			return charCodes(c)
		}
	}
	if len(keyName) > 1 && keyName[0] == 'f' {
		if n, err := strconv.Atoi(keyName[1:]); err == nil && n >= 1 && n <= 24 && keyName[1] != '0' {
			return []uint16{functionKeyBase + uint16(n-1)}
		}
	}
	slog.Warn("hotkey: unknown key name", "key", keyName)
	return nil
}
