package jobs

import (
	"strings"
)

// PatchBlock is one search/replace hunk emitted by the refiner:
//
//	<<<<<<< SEARCH
//	old text
//	=======
//	new text
//	>>>>>>> REPLACE
type PatchBlock struct {
	Search  string
	Replace string
}

const (
	patchSearchMarker  = "<<<<<<< SEARCH"
	patchDividerMarker = "======="
	patchReplaceMarker = ">>>>>>> REPLACE"
)

// ParsePatch extracts search/replace blocks from refiner output. Anything
// outside well-formed blocks (prose, code fences) is ignored; a malformed
// block is dropped rather than failing the parse.
func ParsePatch(raw string) []PatchBlock {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")

	var blocks []PatchBlock
	var search, replace []string
	// 0 = outside, 1 = collecting search, 2 = collecting replace
	state := 0

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == patchSearchMarker:
			state = 1
			search = nil
			replace = nil
		case trimmed == patchDividerMarker && state == 1:
			state = 2
		case trimmed == patchReplaceMarker && state == 2:
			blocks = append(blocks, PatchBlock{
				Search:  strings.Join(search, "\n"),
				Replace: strings.Join(replace, "\n"),
			})
			state = 0
		default:
			switch state {
			case 1:
				search = append(search, line)
			case 2:
				replace = append(replace, line)
			}
		}
	}
	return blocks
}

// ApplyPatch applies each block to content in order, replacing the first
// occurrence of the search text. Blocks whose search text is absent are
// skipped; the number of applied blocks is returned.
func ApplyPatch(content string, blocks []PatchBlock) (string, int) {
	applied := 0
	for _, b := range blocks {
		if strings.TrimSpace(b.Search) == "" {
			continue
		}
		if !strings.Contains(content, b.Search) {
			continue
		}
		content = strings.Replace(content, b.Search, b.Replace, 1)
		applied++
	}
	return content, applied
}
