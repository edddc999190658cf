// Package rollout tails Codex's per-session JSONL transcript files,
// extracts session identity and forwards canonical messages to the
// session link, and serves the resume-list view (§4.9). The watch/debounce
// shape is grounded on the fsnotify-plus-debounce pattern in the pack's
// zjrosen-perles internal/watcher, generalized here to drive through
// internal/coordination.InvalidateSync and layered with a poll backstop
// for filesystems with weak watch semantics.
package rollout

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kandev/happy/internal/coordination"
	"github.com/kandev/happy/internal/obslog"
)

// pollBackstop is the liveness poll interval named in §4.9 step 2.
const pollBackstop = 3 * time.Second

// Forwarder is how the scanner delivers a tracked file's translated
// messages — the session supervisor wires this to SessionClient.SendMessage.
type Forwarder func(msg CanonicalMessage) error

// fileState is per-rollout-file tailing progress.
type fileState struct {
	offset    int64
	partial   []byte
	tracked   bool
	sessionID string
}

// Scanner tails every .jsonl file under Root, forwarding canonical
// messages for files it determines are "tracked" per §4.9 step 4.
type Scanner struct {
	Root      string
	Cwd       string
	ResumeID  string // non-empty: track this session id wherever it appears
	AllowAll  bool
	StartedAt time.Time
	Forward   Forwarder

	logger *obslog.Logger

	mu     sync.Mutex
	files  map[string]*fileState
	watch  *fsnotify.Watcher
	invalidate *coordination.InvalidateSync

	stop chan struct{}
	once sync.Once
}

// NewScanner builds a scanner rooted at root. Forward is called once per
// translated message from a tracked file, in file-offset order.
func NewScanner(root, cwd, resumeID string, allowAll bool, forward Forwarder, logger *obslog.Logger) *Scanner {
	s := &Scanner{
		Root:      root,
		Cwd:       cwd,
		ResumeID:  resumeID,
		AllowAll:  allowAll,
		StartedAt: time.Now(),
		Forward:   forward,
		logger:    logger.With(zap.String("component", "rollout-scanner")),
		files:     map[string]*fileState{},
		stop:      make(chan struct{}),
	}
	s.invalidate = coordination.NewInvalidateSync(100*time.Millisecond, s.scanAll)
	return s
}

// Start performs the initial enumeration (§4.9 step 1), seeks every file
// to EOF, installs the fsnotify watcher, and begins the poll backstop.
func (s *Scanner) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watch = w

	if err := s.enumerate(); err != nil {
		_ = w.Close()
		return err
	}

	if err := filepath.Walk(s.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.IsDir() {
			return nil
		}
		return w.Add(path)
	}); err != nil {
		s.logger.Warn("rollout: failed to register directory watches", zap.Error(err))
	}

	go s.loop()
	return nil
}

// TrackedPath returns the path of a tracked rollout file, or "" if none is
// tracked yet — the resume hint a mode switch carries forward per §4.6's
// local branch. When several files are tracked, which one is returned is
// not defined.
func (s *Scanner) TrackedPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, st := range s.files {
		if st.tracked {
			return path
		}
	}
	return ""
}

// Stop tears down the watcher and poll ticker.
func (s *Scanner) Stop() {
	s.once.Do(func() {
		close(s.stop)
		s.invalidate.Stop()
		if s.watch != nil {
			_ = s.watch.Close()
		}
	})
}

// enumerate walks Root, registering any .jsonl file not already known and
// seeking it to EOF so only future writes are tailed (§4.9 step 2).
func (s *Scanner) enumerate() error {
	return filepath.Walk(s.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.files[path]; ok {
			return nil
		}
		size := info.Size()
		s.files[path] = &fileState{offset: size}
		return nil
	})
}

func (s *Scanner) loop() {
	ticker := time.NewTicker(pollBackstop)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.watch.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".jsonl") {
				continue
			}
			s.invalidate.Trigger()
		case err, ok := <-s.watch.Errors:
			if !ok {
				return
			}
			s.logger.Warn("rollout: watcher error", zap.Error(err))
		case <-ticker.C:
			s.invalidate.Trigger()
		}
	}
}

// scanAll re-enumerates for new files, then reads every known file from
// its remembered offset (§4.9 step 3).
func (s *Scanner) scanAll() {
	if err := s.enumerate(); err != nil {
		s.logger.Warn("rollout: enumerate failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	s.mu.Unlock()

	for _, p := range paths {
		if err := s.readFile(p); err != nil {
			s.logger.Warn("rollout: read failed", zap.String("path", p), zap.Error(err))
		}
	}
}

func (s *Scanner) readFile(path string) error {
	s.mu.Lock()
	st, ok := s.files[path]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			delete(s.files, path)
			s.mu.Unlock()
			return nil
		}
		return err
	}
	defer f.Close()

	if _, err := f.Seek(st.offset, io.SeekStart); err != nil {
		return err
	}

	reader := bufio.NewReader(f)
	buf := st.partial
	for {
		chunk, err := reader.ReadBytes('\n')
		if len(chunk) > 0 {
			buf = append(buf, chunk...)
			if bytes.HasSuffix(chunk, []byte("\n")) {
				line := bytes.TrimRight(buf, "\n")
				s.processLine(path, st, line)
				st.offset += int64(len(buf))
				buf = nil
			}
		}
		if err != nil {
			break
		}
	}
	st.partial = buf
	return nil
}

func (s *Scanner) processLine(path string, st *fileState, line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	kind, meta, item, event, ok := parseLine(line)
	if !ok {
		return
	}

	switch kind {
	case RecordSessionMeta:
		s.considerTracking(st, meta)
	case RecordResponseItem:
		if !st.tracked {
			return
		}
		if msg, ok := translateResponseItem(item); ok && s.Forward != nil {
			_ = s.Forward(msg)
		}
	case RecordEventMsg:
		if !st.tracked {
			return
		}
		if event.Type == "token_count" && s.Forward != nil {
			_ = s.Forward(CanonicalMessage{Type: "token_count", Data: rawOrNil(event.Data)})
		}
	}
}

// considerTracking applies §4.9 step 4's tracked-file rule: resume by id,
// cwd-plus-recency match, or allowAll.
func (s *Scanner) considerTracking(st *fileState, meta *SessionMeta) {
	st.sessionID = meta.ID

	if s.ResumeID != "" && meta.ID == s.ResumeID {
		st.tracked = true
		return
	}
	if s.AllowAll {
		st.tracked = true
		return
	}
	if meta.Cwd != "" && meta.Cwd == s.Cwd {
		if ts, ok := parseTimestamp(meta.Timestamp); ok {
			if ts.Sub(s.StartedAt).Abs() <= time.Second {
				st.tracked = true
			}
		}
	}
}

func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
