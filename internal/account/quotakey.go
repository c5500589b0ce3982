package account

import "strings"

// Quota groups, the coarse buckets used for soft-quota gating and the
// capacity surface.
const (
	GroupClaude      = "claude"
	GroupGeminiPro   = "gemini-pro"
	GroupGeminiFlash = "gemini-flash"
)

// QuotaKey flattens (family, headerStyle, model) into the string the
// rate-limit map is keyed by. Claude has a single pool regardless of
// header style; Gemini tracks the two styles separately.
func QuotaKey(family Family, style HeaderStyle, model string) string {
	base := baseQuotaKey(family, style)
	if model != "" {
		return base + ":" + model
	}
	return base
}

func baseQuotaKey(family Family, style HeaderStyle) string {
	if family == FamilyClaude {
		return "claude"
	}
	if style == StyleGeminiCLI {
		return "gemini-cli"
	}
	return "gemini-antigravity"
}

// ResolveQuotaGroup buckets (family, model) into a quota group. Model
// names win over the family when they carry a recognizable family of
// their own.
func ResolveQuotaGroup(family Family, model string) string {
	name := strings.ToLower(model)
	switch {
	case strings.Contains(name, "flash"):
		return GroupGeminiFlash
	case strings.Contains(name, "gemini"):
		return GroupGeminiPro
	case strings.Contains(name, "claude"):
		return GroupClaude
	}

	if family == FamilyClaude {
		return GroupClaude
	}
	return GroupGeminiPro
}

// FamilyOfModel detects the model family from a model name; ok is
// false for unrecognized names.
func FamilyOfModel(model string) (Family, bool) {
	name := strings.ToLower(model)
	switch {
	case strings.Contains(name, "claude"):
		return FamilyClaude, true
	case strings.Contains(name, "gemini"):
		return FamilyGemini, true
	}
	return "", false
}
