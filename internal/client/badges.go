package client

import "strings"

// Badge codes ride the Mumble user comment so they reach every peer
// without a protocol extension. The comment is "badges:" followed by a
// comma-separated list; anything else in a comment is ignored.
const (
	badgeCommentPrefix = "badges:"
	maxBadgeCodes      = 5
)

// normalizeBadgeCodes applies the identity rules: order preserved, exact
// duplicates collapsed, at most five codes, empties dropped.
func normalizeBadgeCodes(codes []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, code)
		if len(out) == maxBadgeCodes {
			break
		}
	}
	return out
}

// formatBadgeComment renders badge codes into the comment field value.
// No badges means no comment.
func formatBadgeComment(codes []string) string {
	codes = normalizeBadgeCodes(codes)
	if len(codes) == 0 {
		return ""
	}
	return badgeCommentPrefix + strings.Join(codes, ",")
}

// parseBadgeComment extracts badge codes from a peer's comment.
func parseBadgeComment(comment string) []string {
	if !strings.HasPrefix(comment, badgeCommentPrefix) {
		return nil
	}
	return normalizeBadgeCodes(strings.Split(comment[len(badgeCommentPrefix):], ","))
}
