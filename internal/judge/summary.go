package judge

import (
	"encoding/json"
	"strings"
)

// Only the fields the summary needs. Unknown shapes fall through to the raw
// payload.
type summaryPayload struct {
	Candidates []struct {
		Content *struct {
			Parts []struct {
				Text *string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// ExtractSummary returns the human readable part of a generateContent
// response: the first candidate's first text, else every text fragment joined
// by newlines, else the payload itself. The result is trimmed.
func ExtractSummary(payload string) string {
	raw := strings.TrimSpace(payload)

	var p summaryPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return raw
	}

	if len(p.Candidates) > 0 && p.Candidates[0].Content != nil && len(p.Candidates[0].Content.Parts) > 0 {
		if t := p.Candidates[0].Content.Parts[0].Text; t != nil && strings.TrimSpace(*t) != "" {
			return strings.TrimSpace(*t)
		}
	}

	var texts []string
	for _, c := range p.Candidates {
		if c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			if part.Text != nil && strings.TrimSpace(*part.Text) != "" {
				texts = append(texts, *part.Text)
			}
		}
	}
	if joined := strings.TrimSpace(strings.Join(texts, "\n")); joined != "" {
		return joined
	}
	return raw
}
