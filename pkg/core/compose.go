package core

import (
	"fmt"
	"strings"
)

// ResolutionText builds the canonical text a resolution embedding is derived
// from: the closing notes plus any set resolution tiers. Empty when the
// record has no closing notes yet.
func ResolutionText(rec BugRecord) string {
	if rec.ClosingNotes == "" {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Resolution: %s", rec.ClosingNotes)
	for i, tier := range []string{rec.ResolutionTier1, rec.ResolutionTier2, rec.ResolutionTier3} {
		if tier != "" {
			fmt.Fprintf(&sb, " | Tier %d: %s", i+1, tier)
		}
	}
	return sb.String()
}

// CombinedText builds the canonical text a combined embedding is derived
// from: product and description, plus the resolution when present.
func CombinedText(rec BugRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Product: %s | Description: %s", rec.Product, rec.Description)
	if rec.ClosingNotes != "" {
		fmt.Fprintf(&sb, " | Resolution: %s", rec.ClosingNotes)
	}
	return sb.String()
}
