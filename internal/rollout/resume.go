package rollout

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// headWindowBytes and headWindowRecords bound how much of a rollout file
// the resume-list view reads, per §4.9's resume-list view paragraph.
const (
	headWindowBytes   = 1 << 20 // 1 MiB
	headWindowRecords = 10
)

// ResumeEntry is one row of the resume-list view.
type ResumeEntry struct {
	Path      string
	SessionID string
	Cwd       string
	Branch    string
	Preview   string
	Timestamp time.Time
}

var ansiOrControl = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]|[\x00-\x08\x0b\x0c\x0e-\x1f]`)

// envOrBootstrapPreview matches the heuristics for "looks like an
// environment or AGENTS.md bootstrap message" that the preview picker
// must skip.
var envOrBootstrapPreview = []string{
	"<environment_context>",
	"<user_instructions>",
	"AGENTS.md",
}

// ListResumable scans root for rollout files usable for resume in cwd,
// returning entries sorted by inferred recency (newest first).
func ListResumable(root, cwd string, allowAll bool) ([]ResumeEntry, error) {
	var out []ResumeEntry

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		entry, ok := readHead(path, cwd, allowAll)
		if ok {
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func readHead(path, cwd string, allowAll bool) (ResumeEntry, bool) {
	f, err := os.Open(path)
	if err != nil {
		return ResumeEntry{}, false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ResumeEntry{}, false
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), headWindowBytes)

	var (
		meta      *SessionMeta
		hasUser   bool
		preview   string
		readBytes int
		records   int
	)

	for scanner.Scan() && records < headWindowRecords && readBytes < headWindowBytes {
		line := scanner.Bytes()
		readBytes += len(line) + 1
		records++

		kind, sm, _, event, ok := parseLine(line)
		if !ok {
			continue
		}
		switch kind {
		case RecordSessionMeta:
			meta = sm
		case RecordEventMsg:
			if event.Type == "user_message" {
				hasUser = true
				if preview == "" {
					if text := extractUserText(event); text != "" && !looksLikeBootstrap(text) {
						preview = sanitizePreview(text)
					}
				}
			}
		}
	}

	if meta == nil || !hasUser {
		return ResumeEntry{}, false
	}
	if !allowAll && meta.Cwd != cwd {
		return ResumeEntry{}, false
	}

	ts, ok := parseTimestamp(meta.Timestamp)
	if !ok {
		ts = info.ModTime()
	}

	return ResumeEntry{
		Path:      path,
		SessionID: meta.ID,
		Cwd:       meta.Cwd,
		Branch:    meta.Git.Branch,
		Preview:   preview,
		Timestamp: ts,
	}, true
}

func extractUserText(ev *EventMsg) string {
	var payload struct {
		Message string `json:"message"`
		Text    string `json:"text"`
	}
	if ev.Data == nil {
		return ""
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return ""
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Text
}

func looksLikeBootstrap(text string) bool {
	for _, marker := range envOrBootstrapPreview {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func sanitizePreview(text string) string {
	clean := ansiOrControl.ReplaceAllString(text, "")
	clean = strings.TrimSpace(clean)
	const maxLen = 200
	if len(clean) > maxLen {
		clean = clean[:maxLen]
	}
	return clean
}
