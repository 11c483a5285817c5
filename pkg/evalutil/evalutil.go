// Package evalutil implements the small, allocation-light helpers shared by
// the prompt sampler, evaluator, and PACEvolve scheduler: edit distance,
// diff parsing/application, code-block extraction, and metric averaging.
package evalutil

import (
	"math"
	"regexp"
	"strings"
)

// EditDistance returns the classical Levenshtein distance between a and b,
// computed over runes so multi-byte source text is measured correctly.
func EditDistance(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)
	la, lb := len(ra), len(rb)

	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = min3(del, ins, sub)
		}
		prev, curr = curr, prev
	}

	return prev[lb]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// DiffBlock is one SEARCH/REPLACE pair parsed from an LLM response.
type DiffBlock struct {
	Search  string
	Replace string
}

var diffBlockPattern = regexp.MustCompile(`(?s)<<<<<<< SEARCH\n(.*?)=======\n(.*?)>>>>>>> REPLACE`)

// ParseDiff scans response for SEARCH/REPLACE blocks. A nil/empty result
// means no diff block was found (DiffParseEmpty in the caller's terms).
func ParseDiff(response string) []DiffBlock {
	matches := diffBlockPattern.FindAllStringSubmatch(response, -1)
	if len(matches) == 0 {
		return nil
	}

	blocks := make([]DiffBlock, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, DiffBlock{Search: m[1], Replace: m[2]})
	}
	return blocks
}

// ApplyDiff applies each block's first literal occurrence of Search to
// Replace, in order, against code. Blocks whose Search text is absent are
// skipped silently. When no block matched anything, the original code is
// returned unchanged (DiffNoMatch).
func ApplyDiff(code string, blocks []DiffBlock) string {
	result := code
	for _, b := range blocks {
		idx := strings.Index(result, b.Search)
		if idx < 0 {
			continue
		}
		result = result[:idx] + b.Replace + result[idx+len(b.Search):]
	}
	return result
}

var (
	fencedLangPattern = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\n(.*?)```")
	fencedAnyPattern  = regexp.MustCompile("(?s)```(?:[a-zA-Z0-9_+-]*)?\\n?(.*?)```")
)

// ExtractCode pulls the first fenced code block matching lang out of
// response; if lang is empty or no such block exists, it falls back to the
// first fenced block of any language, then to the raw response.
func ExtractCode(response, lang string) string {
	if lang != "" {
		pattern := regexp.MustCompile("(?s)```" + regexp.QuoteMeta(lang) + `\n(.*?)` + "```")
		if m := pattern.FindStringSubmatch(response); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	if m := fencedAnyPattern.FindStringSubmatch(response); m != nil {
		return strings.TrimSpace(m[1])
	}
	return response
}

// AverageMetrics returns the arithmetic mean of the finite numeric values in
// metrics, excluding any key present in exclude. Returns 0 when nothing
// qualifies.
func AverageMetrics(metrics map[string]float64, exclude map[string]bool) float64 {
	sum := 0.0
	n := 0
	for k, v := range metrics {
		if exclude != nil && exclude[k] {
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
