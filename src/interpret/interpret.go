// Package interpret turns the raw text returned by the correction service
// into a correction.Response.
//
// The service is asked for JSON but does not always comply. A reply is
// resolved exactly once into either a Structured or an Unstructured payload;
// nothing downstream inspects the raw text again.
package interpret

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"selection-grammar-llm/src/correction"
)

// Payload is the tagged result of classifying a raw reply.
type Payload interface{ isPayload() }

// Structured is a reply that matched the expected JSON shape.
type Structured struct {
	CorrectedText string
	Edits         []WireEdit
	Notes         []string
}

// Unstructured is any other reply. The whole body is taken as the
// corrected text.
type Unstructured struct {
	RawText string
}

func (Structured) isPayload()   {}
func (Unstructured) isPayload() {}

// WireEdit is an edit as the service reported it, before validation.
// Start and End are nil when the service gave no offsets.
type WireEdit struct {
	Start       *int   `json:"start,omitempty"`
	End         *int   `json:"end,omitempty"`
	Span        []int  `json:"span,omitempty"`
	Original    string `json:"original"`
	Replacement string `json:"replacement"`
	Corrected   string `json:"corrected"`
	Category    string `json:"category"`
	Rule        string `json:"rule"`
	Explanation string `json:"explanation"`
}

type wireResponse struct {
	CorrectedText      *string    `json:"corrected_text"`
	CorrectedTextCamel *string    `json:"correctedText"`
	EnhancedText       *string    `json:"enhanced_text"`
	Edits              []WireEdit `json:"edits"`
	Issues             []WireEdit `json:"issues"`
	Notes              []string   `json:"notes"`
	ChangesMade        []string   `json:"changes_made"`
	Summary            string     `json:"summary"`
}

func (w wireResponse) text() (string, bool) {
	for _, s := range []*string{w.CorrectedText, w.CorrectedTextCamel, w.EnhancedText} {
		if s != nil {
			return *s, true
		}
	}
	return "", false
}

// Classify resolves raw into a Structured or Unstructured payload. It never
// fails.
func Classify(raw string) Payload {
	body := stripMarkdown(raw)
	if !strings.HasPrefix(body, "{") {
		return Unstructured{RawText: raw}
	}

	var w wireResponse
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		return Unstructured{RawText: raw}
	}
	text, ok := w.text()
	if !ok {
		return Unstructured{RawText: raw}
	}

	edits := w.Edits
	if len(edits) == 0 {
		edits = w.Issues
	}
	notes := w.Notes
	if len(notes) == 0 {
		notes = w.ChangesMade
	}
	if summary := strings.TrimSpace(w.Summary); summary != "" {
		notes = append([]string{summary}, notes...)
	}
	return Structured{CorrectedText: text, Edits: edits, Notes: notes}
}

// Parse classifies raw and validates its edits against original.
// It fails with correction.KindParse only when the corrected text is blank.
func Parse(raw, original string) (correction.Response, error) {
	var resp correction.Response
	switch p := Classify(raw).(type) {
	case Structured:
		resp.CorrectedText = p.CorrectedText
		resp.IsStructured = true
		resp.Notes = p.Notes
		resp.Edits, resp.DroppedEdits = normalizeEdits(p.Edits, original)
	case Unstructured:
		resp.CorrectedText = p.RawText
		if strings.TrimSpace(p.RawText) != "" {
			slog.Warn("interpret: reply did not match the JSON shape, using raw body", "len", len(p.RawText))
		}
	}

	if strings.TrimSpace(resp.CorrectedText) == "" {
		return correction.Response{}, correction.New(correction.KindParse, correction.ReasonEmpty,
			errors.New("service returned no corrected text"))
	}
	return resp, nil
}

// normalizeEdits binds every wire edit to a valid span of original, sorts
// by start and drops edits that cannot be placed or that overlap an earlier
// one. It returns the kept edits and the number dropped.
func normalizeEdits(wire []WireEdit, original string) ([]correction.Edit, int) {
	if len(wire) == 0 {
		return nil, 0
	}

	placed := make([]correction.Edit, 0, len(wire))
	dropped := 0
	cursor := 0
	for i, we := range wire {
		e := toEdit(we)
		span, ok := locate(we, e.Original, original, cursor)
		if !ok {
			slog.Warn("interpret: dropping edit that cannot be placed",
				"index", i, "original", we.Original, "len", len(original))
			dropped++
			continue
		}
		e.Span = span
		e.Original = original[span.Start:span.End]
		placed = append(placed, e)
		if span.End > cursor {
			cursor = span.End
		}
	}

	sort.SliceStable(placed, func(i, j int) bool { return placed[i].Span.Start < placed[j].Span.Start })

	kept := placed[:0]
	for _, e := range placed {
		if n := len(kept); n > 0 && kept[n-1].Span.Overlaps(e.Span) {
			slog.Warn("interpret: dropping overlapping edit",
				"start", e.Span.Start, "end", e.Span.End,
				"prev_start", kept[n-1].Span.Start, "prev_end", kept[n-1].Span.End)
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	return kept, dropped
}

func toEdit(we WireEdit) correction.Edit {
	replacement := we.Replacement
	if replacement == "" {
		replacement = we.Corrected
	}
	category := strings.ToLower(strings.TrimSpace(we.Category))
	if category == "" {
		category = strings.TrimSpace(we.Rule)
	}
	if category == "" {
		category = "other"
	}
	return correction.Edit{
		Original:    we.Original,
		Replacement: replacement,
		Category:    category,
		Explanation: we.Explanation,
	}
}

// locate finds the span of an edit. Explicit offsets win when they are in
// range and agree with the quoted original. Offsets out of range drop the
// edit. Offsets that disagree with the text, or missing offsets, fall back
// to searching for the quoted original from cursor onward.
func locate(we WireEdit, quoted, original string, cursor int) (correction.Span, bool) {
	start, end, explicit := offsets(we)
	if explicit {
		if start < 0 || end < start || end > len(original) {
			return correction.Span{}, false
		}
		if quoted == "" || original[start:end] == quoted {
			return correction.Span{Start: start, End: end}, true
		}
	}
	if quoted == "" {
		return correction.Span{}, false
	}
	if idx := strings.Index(original[cursor:], quoted); idx >= 0 {
		return correction.Span{Start: cursor + idx, End: cursor + idx + len(quoted)}, true
	}
	if idx := strings.Index(original, quoted); idx >= 0 {
		return correction.Span{Start: idx, End: idx + len(quoted)}, true
	}
	return correction.Span{}, false
}

func offsets(we WireEdit) (start, end int, ok bool) {
	if len(we.Span) == 2 {
		return we.Span[0], we.Span[1], true
	}
	if we.Start != nil && we.End != nil {
		return *we.Start, *we.End, true
	}
	return 0, 0, false
}

// stripMarkdown removes a surrounding ``` or ```json fence.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	if after, ok := strings.CutPrefix(s, "```json"); ok {
		s = after
	} else if after, ok := strings.CutPrefix(s, "```"); ok {
		s = after
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
