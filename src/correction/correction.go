// Package correction holds the request and response types shared by every
// stage of the correction pipeline.
package correction

import (
	"fmt"
	"strings"
)

// Mode selects what the remote service is asked to do with the text.
type Mode int

const (
	GrammarCheck Mode = iota
	Enhance
)

func (m Mode) String() string {
	switch m {
	case GrammarCheck:
		return "grammar"
	case Enhance:
		return "enhance"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts the names used on the command line and in .env files.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "grammar", "check", "grammarcheck":
		return GrammarCheck, nil
	case "enhance", "rewrite":
		return Enhance, nil
	default:
		return GrammarCheck, fmt.Errorf("unknown mode %q", s)
	}
}

// Style names a rewrite preset. The four built-in presets are listed below;
// custom presets loaded from presets.toml are addressed by their key.
type Style string

const (
	StyleCasual   Style = "casual"
	StyleBusiness Style = "business"
	StyleAcademic Style = "academic"
	StyleCreative Style = "creative"
)

// ParseStyle normalizes a preset key. An empty value selects business.
func ParseStyle(s string) Style {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return StyleBusiness
	}
	return Style(s)
}

// Language is the preferred language for explanations and notes.
type Language string

const (
	LanguageAuto    Language = "auto"
	LanguageChinese Language = "zh"
	LanguageEnglish Language = "en"
)

func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return LanguageAuto, nil
	case "zh", "zh-cn", "chinese":
		return LanguageChinese, nil
	case "en", "en-us", "english":
		return LanguageEnglish, nil
	default:
		return LanguageAuto, fmt.Errorf("unknown language %q", s)
	}
}

// Request is one unit of work for the correction service.
// Text is never empty or whitespace-only; use NewRequest to build one.
type Request struct {
	Text     string
	Mode     Mode
	Style    Style
	Language Language
}

// NewRequest validates text and returns a Request. Style is ignored for
// GrammarCheck.
func NewRequest(text string, mode Mode, style Style, lang Language) (Request, error) {
	if strings.TrimSpace(text) == "" {
		return Request{}, Unavailable(ReasonEmpty, nil)
	}
	if lang == "" {
		lang = LanguageAuto
	}
	if mode == GrammarCheck {
		style = ""
	} else if style == "" {
		style = StyleBusiness
	}
	return Request{Text: text, Mode: mode, Style: style, Language: lang}, nil
}

// Span is a half-open byte range [Start, End) into the original text.
type Span struct {
	Start int
	End   int
}

func (s Span) Len() int { return s.End - s.Start }

// Overlaps reports whether two spans share at least one byte. Two empty
// insertion spans at the same offset also overlap.
func (s Span) Overlaps(o Span) bool {
	if s.Start == o.Start {
		return true
	}
	return s.Start < o.End && o.Start < s.End
}

// Edit is a single suggested change.
type Edit struct {
	Span        Span
	Original    string
	Replacement string
	Category    string
	Explanation string
}

// Response is the interpreted result of one request.
type Response struct {
	CorrectedText string
	Edits         []Edit
	IsStructured  bool
	// Notes carries the change summary returned in Enhance mode.
	Notes []string
	// DroppedEdits counts edits discarded as out of range or overlapping.
	DroppedEdits int
}
