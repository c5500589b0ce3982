package sanitizer

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	log "github.com/sirupsen/logrus"

	"github.com/poemonsense/antigravity-broker/internal/config"
	"github.com/poemonsense/antigravity-broker/internal/signature"
)

// ValidationResult is the outcome of a signature validation pass.
type ValidationResult struct {
	Payload  []byte
	Restored int
	Dropped  int
}

// ValidateThinkingSignatures reconciles the thinking blocks in an
// outgoing Claude-style payload against the session's signature cache.
// A block whose text has a cached signature gets that signature
// (re)attached; a block carrying a short or foreign signature with no
// cached replacement is dropped wholesale, because the upstream would
// reject the whole request over it.
func ValidateThinkingSignatures(payload []byte, sessionID string, cache *signature.Cache) ValidationResult {
	doc := string(payload)
	restored, dropped := 0, 0

	messages := gjson.Get(doc, "messages")
	if !messages.IsArray() {
		return ValidationResult{Payload: payload}
	}

	for mi := len(messages.Array()) - 1; mi >= 0; mi-- {
		contentPath := fmt.Sprintf("messages.%d.content", mi)
		content := gjson.Get(doc, contentPath)
		if !content.IsArray() {
			continue
		}

		blocks := content.Array()
		for bi := len(blocks) - 1; bi >= 0; bi-- {
			block := blocks[bi]
			if block.Get("type").Str != "thinking" {
				continue
			}

			text := block.Get("thinking").Str
			sig := block.Get("signature").Str
			blockPath := fmt.Sprintf("%s.%d", contentPath, bi)

			if cached, ok := cache.Get(sessionID, text); ok {
				if cached != sig {
					doc, _ = sjson.Set(doc, blockPath+".signature", cached)
					restored++
				}
				continue
			}

			// No cached signature for this text: the block is either
			// foreign or carries a truncated signature. Keep it only
			// when the signature it already has could plausibly verify,
			// e.g. one minted before the cache last restarted.
			if len(sig) < config.MinSignatureLength {
				doc, _ = sjson.Delete(doc, blockPath)
				dropped++
			}
		}
	}

	if restored > 0 || dropped > 0 {
		log.Debugf("[Sanitizer] Signatures reconciled: %d restored, %d dropped", restored, dropped)
	}
	return ValidationResult{Payload: []byte(doc), Restored: restored, Dropped: dropped}
}
