// Package sanitizer strips family-incompatible thinking signatures
// from outgoing request payloads. A Gemini thought signature is
// meaningless to Claude and vice versa; replaying one across families
// gets the request rejected upstream.
package sanitizer

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/poemonsense/antigravity-broker/internal/account"
)

// Options controls sanitization behavior.
type Options struct {
	// PreserveNonSignatureMetadata keeps sibling metadata keys such as
	// groundingMetadata and cache_control when a thought signature is
	// removed from a part's metadata. When false, the whole metadata
	// object of the affected part is dropped.
	PreserveNonSignatureMetadata bool
}

// Result is the outcome of one sanitization pass.
type Result struct {
	Payload            []byte
	Modified           bool
	SignaturesStripped int
}

// Sanitize removes signature fields that the target model's family
// cannot verify. Whole parts are never dropped, only the signature
// fields and their emptied wrappers; unknown target families leave
// the payload untouched. The pass is idempotent.
func Sanitize(payload []byte, targetModel string, opts Options) Result {
	family, ok := account.FamilyOfModel(targetModel)
	if !ok {
		return Result{Payload: payload}
	}

	doc, stripped := sanitizeDoc(string(payload), family, opts)
	return Result{
		Payload:            []byte(doc),
		Modified:           stripped > 0,
		SignaturesStripped: stripped,
	}
}

func sanitizeDoc(doc string, family account.Family, opts Options) (string, int) {
	stripped := 0

	// Batched payloads wrap independent sub-requests.
	if requests := gjson.Get(doc, "requests"); requests.IsArray() {
		for i := range requests.Array() {
			path := fmt.Sprintf("requests.%d", i)
			sub, n := sanitizeDoc(gjson.Get(doc, path).Raw, family, opts)
			if n > 0 {
				doc, _ = sjson.SetRaw(doc, path, sub)
				stripped += n
			}
		}
	}

	if family != account.FamilyGemini {
		doc, stripped = stripGeminiSignatures(doc, opts, stripped)
	}
	if family != account.FamilyClaude {
		doc, stripped = stripClaudeSignatures(doc, "messages", stripped)
		doc, stripped = stripClaudeSignatures(doc, "extra_body.messages", stripped)
	}
	return doc, stripped
}

// stripGeminiSignatures removes thoughtSignature fields from
// contents[*].parts[*], both the top-level field and the one nested
// under metadata.google.
func stripGeminiSignatures(doc string, opts Options, stripped int) (string, int) {
	contents := gjson.Get(doc, "contents")
	if !contents.IsArray() {
		return doc, stripped
	}

	for ci, content := range contents.Array() {
		parts := content.Get("parts")
		if !parts.IsArray() {
			continue
		}
		for pi := range parts.Array() {
			base := fmt.Sprintf("contents.%d.parts.%d", ci, pi)

			if gjson.Get(doc, base+".thoughtSignature").Exists() {
				doc, _ = sjson.Delete(doc, base+".thoughtSignature")
				stripped++
			}

			if gjson.Get(doc, base+".metadata.google.thoughtSignature").Exists() {
				stripped++
				if opts.PreserveNonSignatureMetadata {
					doc, _ = sjson.Delete(doc, base+".metadata.google.thoughtSignature")
					doc = dropIfEmpty(doc, base+".metadata.google")
					doc = dropIfEmpty(doc, base+".metadata")
				} else {
					doc, _ = sjson.Delete(doc, base+".metadata")
				}
			}
		}
	}
	return doc, stripped
}

// stripClaudeSignatures removes the signature field from thinking and
// redacted_thinking blocks under <prefix>[*].content[*]. The block
// content itself stays.
func stripClaudeSignatures(doc, prefix string, stripped int) (string, int) {
	messages := gjson.Get(doc, prefix)
	if !messages.IsArray() {
		return doc, stripped
	}

	for mi, message := range messages.Array() {
		content := message.Get("content")
		if !content.IsArray() {
			continue
		}
		for bi, block := range content.Array() {
			switch block.Get("type").Str {
			case "thinking", "redacted_thinking":
			default:
				continue
			}
			path := fmt.Sprintf("%s.%d.content.%d.signature", prefix, mi, bi)
			if gjson.Get(doc, path).Exists() {
				doc, _ = sjson.Delete(doc, path)
				stripped++
			}
		}
	}
	return doc, stripped
}

func dropIfEmpty(doc, path string) string {
	obj := gjson.Get(doc, path)
	if obj.IsObject() && len(obj.Map()) == 0 {
		doc, _ = sjson.Delete(doc, path)
	}
	return doc
}
