// Package hosts implements the Hosts Reconciler: an idempotent writer that
// keeps the managed region of /etc/hosts in sync with the effective blocked
// set, using an atomic temporary-file-then-rename write so a partially
// written hosts file is never observable.
package hosts

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/tavinathanson/taviblock/internal/logging"
)

const (
	markerStart = "# BLOCKER START"
	markerEnd   = "# BLOCKER END"
)

// Reconciler implements domain-driven writes to the managed region of a
// hosts file. It owns no persistent state beyond the file itself and is
// safe to drive from a single goroutine at a time (the scheduler's tick
// task); its only exported entry points are safe to call concurrently.
type Reconciler struct {
	path   string
	logger logging.Logger

	mu        sync.Mutex
	lastBlock string // last-written managed block, for cheap no-op detection
}

// New constructs a Reconciler for the hosts file at path.
func New(path string, logger logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &Reconciler{path: path, logger: logger}
}

// Publish implements scheduler.BlockedSetPublisher. On any I/O error it
// logs and leaves the file untouched; the scheduler retries on the next
// tick per §4.4 step 4.
func (r *Reconciler) Publish(ctx context.Context, domains []string) {
	if err := r.Reconcile(domains); err != nil {
		r.logger.Error(map[string]any{"error": err}, "hosts: reconcile failed, will retry next tick")
	}
}

// Reconcile rewrites the managed region to contain exactly domains (two
// entries each, 127.0.0.1 and ::1). A non-empty block equal to the one this
// Reconciler last wrote returns without reading the file; otherwise the file
// is read and rewritten only when the rebuilt content differs from it.
func (r *Reconciler) Reconcile(domains []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	block := buildManagedBlock(domains)
	if block != "" && block == r.lastBlock {
		return nil
	}

	current, err := os.ReadFile(r.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("hosts: reading %s: %w", r.path, err)
	}

	prefix, _, suffix := splitManagedRegion(string(current))
	rebuilt := prefix + markerStart + "\n" + block + markerEnd + "\n" + suffix

	if rebuilt == string(current) {
		r.lastBlock = block
		return nil
	}

	if err := atomicWrite(r.path, []byte(rebuilt)); err != nil {
		return err
	}
	r.lastBlock = block
	return nil
}

// buildManagedBlock renders domains into the deterministic, lexicographically
// sorted managed-region body (§4.4 step 2). An empty list renders an empty
// body, which is itself deterministic.
func buildManagedBlock(domains []string) string {
	sorted := append([]string(nil), domains...)
	sort.Strings(sorted)

	var b strings.Builder
	for _, d := range sorted {
		fmt.Fprintf(&b, "127.0.0.1 %s\n", d)
		fmt.Fprintf(&b, "::1 %s\n", d)
	}
	return b.String()
}

// splitManagedRegion splits content into the text before the start marker,
// the text between the markers (discarded; the caller rebuilds it), and the
// text after the end marker. If markers are absent, the whole content is
// treated as prefix and fresh markers are appended at the end (§4.4 step 1).
func splitManagedRegion(content string) (prefix, managed, suffix string) {
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var pre, suf []string
	state := 0 // 0=before start marker, 1=inside managed region, 2=after end marker
	sawMarkers := false

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.TrimSpace(line) == markerStart && state == 0:
			state = 1
			sawMarkers = true
		case strings.TrimSpace(line) == markerEnd && state == 1:
			state = 2
		case state == 0:
			pre = append(pre, line)
		case state == 2:
			suf = append(suf, line)
		}
	}

	if !sawMarkers {
		pre = append(pre, "")
		return strings.Join(pre, "\n"), "", ""
	}

	prefix = strings.Join(pre, "\n")
	if len(pre) > 0 {
		prefix += "\n"
	}
	suffix = strings.Join(suf, "\n")
	if len(suf) > 0 && strings.HasSuffix(content, "\n") {
		suffix += "\n"
	}
	return prefix, "", suffix
}

// atomicWrite writes data to a temporary sibling of path, fsyncs it, then
// renames it over path, preserving the existing file's mode and owner if
// present (§4.4 step 3).
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	mode := os.FileMode(0644)
	var uid, gid int = -1, -1
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode()
		if st, ok := info.Sys().(*syscall.Stat_t); ok {
			uid, gid = int(st.Uid), int(st.Gid)
		}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("hosts: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("hosts: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("hosts: fsyncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("hosts: closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("hosts: chmod temp file: %w", err)
	}
	if uid != -1 {
		if err := os.Chown(tmpPath, uid, gid); err != nil {
			return fmt.Errorf("hosts: chown temp file: %w", err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("hosts: renaming into place: %w", err)
	}
	return nil
}
