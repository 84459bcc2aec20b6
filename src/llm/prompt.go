package llm

import (
	"fmt"
	"strings"

	"selection-grammar-llm/src/correction"
	"selection-grammar-llm/src/presets"
)

const grammarInstructions = `You are a professional proofreader. Correct grammar, spelling and punctuation errors in the text supplied by the user. Keep the author's meaning and formatting, and leave sentences that are already correct untouched.
Write every explanation in %s.

Reply with strict JSON only, without markdown, matching this structure:
{
  "corrected_text": "the full text with all corrections applied",
  "edits": [
    {
      "start": 0,
      "end": 0,
      "original": "exact substring of the user's text",
      "replacement": "corrected substring",
      "category": "grammar | spelling | punctuation | style",
      "explanation": "short reason"
    }
  ]
}
"start" and "end" are byte offsets of "original" in the user's text, end exclusive.
If there are no errors return the text unchanged and an empty "edits" list.`

const enhanceInstructions = `You are a professional writing editor. Rewrite the text supplied by the user in the %q style.
Tone: %s.
Formality: %s.
Guidance: %s.
Keep the original meaning. Write every note in %s.

Reply with strict JSON only, without markdown, matching this structure:
{
  "corrected_text": "the rewritten text",
  "notes": ["what changed and why"]
}`

// systemPrompt builds the instruction for req. The user's text itself is
// sent verbatim as the user message and never interpolated here.
func systemPrompt(req correction.Request, reg *presets.Registry) (string, error) {
	lang := languageName(req.Language)
	switch req.Mode {
	case correction.GrammarCheck:
		return fmt.Sprintf(grammarInstructions, lang), nil
	case correction.Enhance:
		p, ok := reg.Get(req.Style)
		if !ok {
			return "", correction.New(correction.KindRequestRejected, "unknownStyle",
				fmt.Errorf("no preset named %q (have %s)", req.Style, strings.Join(reg.Keys(), ", ")))
		}
		return fmt.Sprintf(enhanceInstructions, p.Name, orDash(p.Tone), orDash(p.Formality), p.Instructions, lang), nil
	default:
		return "", correction.New(correction.KindRequestRejected, "unknownMode", fmt.Errorf("mode %v", req.Mode))
	}
}

func languageName(l correction.Language) string {
	switch l {
	case correction.LanguageChinese:
		return "Simplified Chinese"
	case correction.LanguageEnglish:
		return "English"
	default:
		return "the same language as the user's text"
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
