package supervisor

import (
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// diffProcessor folds a turn's successive turn_diff notifications (§4.6
// step 4) into one forwarded update. Codex re-emits the cumulative
// unified diff for the whole turn on every change rather than a
// incremental hunk, so the processor's job is to detect when the new
// text is actually different from what was last forwarded and, when it
// is, compute an insertion/deletion line count the UI can show without
// re-parsing the unified diff itself. Grounded on the pack's go-diff
// usage in zjrosen-perles's diffviewer/word_diff.go (DiffMain +
// DiffCleanupSemantic).
type diffProcessor struct {
	mu   sync.Mutex
	last string
	dmp  *diffmatchpatch.DiffMatchPatch
}

func newDiffProcessor() *diffProcessor {
	return &diffProcessor{dmp: diffmatchpatch.New()}
}

// diffSummary is what Process returns when the incoming text changed.
type diffSummary struct {
	Text      string
	Additions int
	Deletions int
}

// Process returns (summary, true) if text differs from the last text
// seen, or (zero, false) if it's a repeat of the last forwarded diff.
func (p *diffProcessor) Process(text string) (diffSummary, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if text == p.last {
		return diffSummary{}, false
	}

	diffs := p.dmp.DiffMain(p.last, text, false)
	diffs = p.dmp.DiffCleanupSemantic(diffs)

	var additions, deletions int
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			deletions += countLines(d.Text)
		}
	}

	p.last = text
	return diffSummary{Text: text, Additions: additions, Deletions: deletions}, true
}

// Reset clears accumulated state, called on abort/mode-switch/turn end
// per §4.6's "finally" step.
func (p *diffProcessor) Reset() {
	p.mu.Lock()
	p.last = ""
	p.mu.Unlock()
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := 1
	for _, r := range s {
		if r == '\n' {
			n++
		}
	}
	return n
}
