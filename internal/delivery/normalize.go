package delivery

import "strings"

// Payload is one normalized outbound message: optional text plus zero or
// more media URLs.
type Payload struct {
	Text      string   `json:"text,omitempty"`
	MediaURLs []string `json:"mediaUrls,omitempty"`
}

// Empty reports whether the payload carries nothing to send.
func (p Payload) Empty() bool {
	return strings.TrimSpace(p.Text) == "" && len(p.MediaURLs) == 0
}

// Normalize trims whitespace and drops payloads with nothing to send, so the
// engine only ever iterates deliverable work.
func Normalize(payloads []Payload) []Payload {
	out := make([]Payload, 0, len(payloads))
	for _, p := range payloads {
		p.Text = strings.TrimSpace(p.Text)
		urls := make([]string, 0, len(p.MediaURLs))
		for _, u := range p.MediaURLs {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		p.MediaURLs = urls
		if p.Empty() {
			continue
		}
		out = append(out, p)
	}
	return out
}
