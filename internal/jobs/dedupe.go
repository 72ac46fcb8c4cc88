package jobs

import (
	"regexp"
	"strings"
)

var (
	wsRE      = regexp.MustCompile(`\s+`)
	headingRE = regexp.MustCompile(`^#{1,6}\s+`)
	mdInlineRE = regexp.MustCompile("[*_`~]")
)

// DedupContent removes near-duplicate content blocks and repeated section
// headers that occasionally slip through refinement. Best-effort quality
// pass over markdown; it returns the cleaned content plus removal reasons.
func DedupContent(content string, similarity float64) (string, []string) {
	if strings.TrimSpace(content) == "" {
		return content, nil
	}
	if similarity <= 0 || similarity > 1 {
		similarity = 0.9
	}

	blocks := splitBlocks(content)
	if len(blocks) < 2 {
		return content, nil
	}

	var removed []string
	kept := make([]string, 0, len(blocks))
	keptTokens := make([]map[string]bool, 0, len(blocks))
	seenHeadings := map[string]bool{}

	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}

		if headingRE.MatchString(trimmed) && !strings.Contains(trimmed, "\n") {
			key := normalizeBlock(trimmed)
			if seenHeadings[key] {
				removed = append(removed, "duplicate_heading")
				continue
			}
			seenHeadings[key] = true
			kept = append(kept, block)
			keptTokens = append(keptTokens, nil)
			continue
		}

		tokens := tokenSet(trimmed)
		dup := false
		for _, prior := range keptTokens {
			if prior == nil {
				continue
			}
			if jaccard(tokens, prior) >= similarity {
				dup = true
				break
			}
		}
		if dup {
			removed = append(removed, "near_duplicate_block")
			continue
		}
		kept = append(kept, block)
		keptTokens = append(keptTokens, tokens)
	}

	if len(removed) == 0 {
		return content, nil
	}
	return strings.Join(kept, "\n\n"), removed
}

// splitBlocks separates markdown into blank-line-delimited blocks, keeping
// fenced code blocks whole so dedup never splits a snippet in half.
func splitBlocks(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	lines := strings.Split(content, "\n")

	var blocks []string
	var current []string
	inFence := false

	flush := func() {
		if len(current) > 0 {
			blocks = append(blocks, strings.Join(current, "\n"))
			current = nil
		}
	}

	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			current = append(current, line)
			if !inFence {
				flush()
			}
			continue
		}
		if inFence {
			current = append(current, line)
			continue
		}
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return blocks
}

func normalizeBlock(s string) string {
	s = headingRE.ReplaceAllString(strings.TrimSpace(s), "")
	s = mdInlineRE.ReplaceAllString(s, "")
	s = strings.ToLower(s)
	s = wsRE.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func tokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.Fields(normalizeBlock(s)) {
		out[tok] = true
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
