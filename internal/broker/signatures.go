package broker

import (
	"github.com/tidwall/gjson"

	"github.com/poemonsense/antigravity-broker/internal/config"
)

// IngestThinkingSignature stores a signature delivered out of band,
// e.g. by the collaborator that watches streamed responses.
func (b *Broker) IngestThinkingSignature(sessionID, thinkingText, sig string) {
	if sessionID == "" || thinkingText == "" || len(sig) < config.MinSignatureLength {
		return
	}
	b.signatures.Put(sessionID, thinkingText, sig)
}

// ingestResponseSignatures scans a buffered response for signed
// thought parts and caches them for the session. Returns how many were
// cached.
func (b *Broker) ingestResponseSignatures(sessionID string, body []byte) int {
	if sessionID == "" {
		return 0
	}

	count := 0
	candidates := gjson.GetBytes(body, "candidates")
	if !candidates.IsArray() {
		candidates = gjson.GetBytes(body, "response.candidates")
	}
	for _, candidate := range candidates.Array() {
		for _, part := range candidate.Get("content.parts").Array() {
			sig := part.Get("thoughtSignature").Str
			text := part.Get("text").Str
			if text == "" || len(sig) < config.MinSignatureLength {
				continue
			}
			b.signatures.Put(sessionID, text, sig)
			count++
		}
	}
	return count
}
