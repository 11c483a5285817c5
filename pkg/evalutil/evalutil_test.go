package evalutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEditDistance(t *testing.T) {
	assert.Equal(t, 0, EditDistance("abc", "abc"))
	assert.Equal(t, 3, EditDistance("", "abc"))
	assert.Equal(t, 3, EditDistance("abc", ""))
	assert.Equal(t, 1, EditDistance("kitten", "kitteb"))
	assert.Equal(t, 3, EditDistance("kitten", "sitting"))
}

func TestParseDiffAndApply(t *testing.T) {
	resp := "some text\n<<<<<<< SEARCH\nx=1\n=======\nx=2\n>>>>>>> REPLACE\ntrailing"
	blocks := ParseDiff(resp)
	if assert.Len(t, blocks, 1) {
		assert.Equal(t, "x=1\n", blocks[0].Search)
		assert.Equal(t, "x=2\n", blocks[0].Replace)
	}

	out := ApplyDiff("x=1\ny=2\n", blocks)
	assert.Equal(t, "x=2\ny=2\n", out)
}

func TestParseDiffEmpty(t *testing.T) {
	assert.Nil(t, ParseDiff("no diff blocks here"))
}

func TestApplyDiffNoMatch(t *testing.T) {
	blocks := []DiffBlock{{Search: "missing", Replace: "y"}}
	out := ApplyDiff("original code", blocks)
	assert.Equal(t, "original code", out)
}

func TestDiffRoundTrip(t *testing.T) {
	code := "func f() { return 1 }"
	forward := []DiffBlock{{Search: "return 1", Replace: "return 2"}}
	backward := []DiffBlock{{Search: "return 2", Replace: "return 1"}}

	mutated := ApplyDiff(code, forward)
	restored := ApplyDiff(mutated, backward)
	assert.Equal(t, code, restored)
}

func TestExtractCode(t *testing.T) {
	resp := "Here is the answer:\n```go\nfunc main() {}\n```\nDone."
	assert.Equal(t, "func main() {}", ExtractCode(resp, "go"))
	assert.Equal(t, "func main() {}", ExtractCode(resp, ""))
}

func TestExtractCodeFallsBackToRawResponse(t *testing.T) {
	resp := "no fenced block at all"
	assert.Equal(t, resp, ExtractCode(resp, "go"))
}

func TestAverageMetrics(t *testing.T) {
	m := map[string]float64{"a": 1, "b": 3, "complexity": 100}
	avg := AverageMetrics(m, map[string]bool{"complexity": true})
	assert.InDelta(t, 2.0, avg, 1e-9)
}

func TestAverageMetricsEmpty(t *testing.T) {
	assert.Equal(t, 0.0, AverageMetrics(map[string]float64{}, nil))
}
