package eventloop

import (
	"selection-grammar-llm/src/correction"
	"selection-grammar-llm/src/injector"
	"selection-grammar-llm/src/session"
	"selection-grammar-llm/src/singleinstance"
)

// TriggerFromRequest parses a delegated request, filling blanks from d.
func TriggerFromRequest(req singleinstance.Request, d Defaults) (session.Trigger, error) {
	mode, err := correction.ParseMode(req.Mode)
	if err != nil {
		return session.Trigger{}, err
	}
	t := session.Trigger{
		Text:     req.Text,
		Mode:     mode,
		Style:    d.Style,
		Language: d.Language,
		Inject:   d.Inject,
	}
	if req.Style != "" {
		t.Style = correction.ParseStyle(req.Style)
	}
	if req.Language != "" {
		if t.Language, err = correction.ParseLanguage(req.Language); err != nil {
			return session.Trigger{}, err
		}
	}
	if req.Inject != "" {
		if t.Inject, err = injector.ParseMode(req.Inject); err != nil {
			return session.Trigger{}, err
		}
	}
	return t, nil
}

// ToReply flattens an outcome into its wire form.
func ToReply(out session.Outcome) singleinstance.Reply {
	r := singleinstance.Reply{
		Text:       out.Response.CorrectedText,
		Structured: out.Response.IsStructured,
		Notes:      out.Response.Notes,
		Message:    out.Message,
		Warning:    out.Warning,
	}
	for _, e := range out.Response.Edits {
		r.Edits = append(r.Edits, singleinstance.Edit{
			Start:       e.Span.Start,
			End:         e.Span.End,
			Original:    e.Original,
			Replacement: e.Replacement,
			Category:    e.Category,
			Explanation: e.Explanation,
		})
	}
	return r
}

// StatusLine maps a session status to its wire form.
func StatusLine(s session.Status) string {
	switch s {
	case session.StatusCompleted:
		return singleinstance.StatusCompleted
	case session.StatusCancelled:
		return singleinstance.StatusCancelled
	default:
		return singleinstance.StatusFailed
	}
}
