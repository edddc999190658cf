package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiffProcessorSkipsRepeat(t *testing.T) {
	p := newDiffProcessor()

	summary, changed := p.Process("line one\nline two")
	assert.True(t, changed)
	assert.Equal(t, "line one\nline two", summary.Text)
	assert.Equal(t, 2, summary.Additions)
	assert.Equal(t, 0, summary.Deletions)

	_, changed = p.Process("line one\nline two")
	assert.False(t, changed, "identical text must not be reported twice")
}

func TestDiffProcessorReportsAdditionsAndDeletions(t *testing.T) {
	p := newDiffProcessor()
	_, _ = p.Process("alpha\nbeta\n")

	summary, changed := p.Process("alpha\ngamma\n")
	assert.True(t, changed)
	assert.Equal(t, "alpha\ngamma\n", summary.Text)
	assert.Positive(t, summary.Additions)
	assert.Positive(t, summary.Deletions)
}

func TestDiffProcessorResetForgetsLast(t *testing.T) {
	p := newDiffProcessor()
	_, _ = p.Process("same text")

	p.Reset()

	_, changed := p.Process("same text")
	assert.True(t, changed, "after Reset the next Process call must not be treated as a repeat")
}

func TestCountLines(t *testing.T) {
	assert.Equal(t, 0, countLines(""))
	assert.Equal(t, 1, countLines("no newline"))
	assert.Equal(t, 2, countLines("one\ntwo"))
	assert.Equal(t, 3, countLines("one\ntwo\nthree"))
}
