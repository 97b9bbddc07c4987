package research

import "strings"

// trimToRunes cuts s to at most limit runes without splitting a rune.
func trimToRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}

// dedupeStrings collapses inner whitespace and drops blanks and
// case-insensitive repeats, keeping first occurrences in order.
func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.Join(strings.Fields(value), " ")
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

// normalizeExtractedText collapses whitespace inside lines and drops blank
// lines.
func normalizeExtractedText(raw string) string {
	raw = strings.ToValidUTF8(raw, "")
	var b strings.Builder
	b.Grow(len(raw))
	for _, line := range strings.FieldsFunc(raw, func(r rune) bool { return r == '\n' || r == '\r' }) {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strings.Join(fields, " "))
	}
	return b.String()
}
