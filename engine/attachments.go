package engine

import (
	"encoding/base64"
	"fmt"
	"strings"

	"pulpo/llm"
)

// buildUserMessage turns text plus attachment URLs into the canonical
// user message. Data URLs become inline image parts; anything else is
// assumed publicly reachable and referenced by URL in the text.
func buildUserMessage(text string, attachments []string) llm.Message {
	msg := llm.Message{Role: llm.RoleUser, Content: text}
	if len(attachments) == 0 {
		return msg
	}

	var urlLines []string
	var parts []llm.Part
	for _, att := range attachments {
		if strings.HasPrefix(att, "data:") {
			if part, ok := decodeDataURL(att); ok {
				parts = append(parts, part)
			}
			continue
		}
		urlLines = append(urlLines, fmt.Sprintf("[Attached image: %s]", att))
	}

	if len(urlLines) > 0 {
		msg.Content = strings.TrimSpace(text + "\n\n" + strings.Join(urlLines, "\n"))
	}
	// Adapters render Content alongside Parts, so Parts carry only the
	// images.
	msg.Parts = parts
	return msg
}

// decodeDataURL parses data:<media-type>;base64,<payload>.
func decodeDataURL(u string) (llm.Part, bool) {
	rest, ok := strings.CutPrefix(u, "data:")
	if !ok {
		return llm.Part{}, false
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return llm.Part{}, false
	}
	mediaType := strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		mediaType = "image/png"
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return llm.Part{}, false
	}
	return llm.Part{ImageMediaType: mediaType, ImageData: data}, true
}
