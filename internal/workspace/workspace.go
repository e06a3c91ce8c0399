// Package workspace manages the host-side directory trees bind-mounted into
// cubicle sandboxes. Every cubicle key owns one tree; the tree survives
// hibernation and is removed only by the cleanup sweep. All paths are
// confined to the workspace root via traversal protection.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	maxReadBytes   = 1 * 1024 * 1024 // 1 MB
	maxListEntries = 500
)

// ErrWorkspaceIO marks filesystem failures while preparing a tree. The
// runner aborts on it before any container side effect exists.
var ErrWorkspaceIO = errors.New("workspace io failure")

// Sandbox-visible layout. The four plain directories are the agent's desk;
// the dotted ones carry orchestrator state the agent reads but the reaper
// and runner own.
var subdirs = []string{"out", "in", "work", "www", contextDir, controlDir}

const (
	contextDir  = ".context"
	controlDir  = ".control"
	historyFile = "history.json"
	meetingFile = "meeting.json"
)

// Decision is the payload of one control file: the host's answer to an
// approval or meeting token emitted by the sandbox.
type Decision struct {
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
	MeetingID int64  `json:"meeting_id,omitempty"`
}

// FileInfo describes a single directory entry.
type FileInfo struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// Manager owns the workspace root and hands out per-cubicle trees.
type Manager struct {
	rootDir string
}

func NewManager(rootDir string) (*Manager, error) {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create root dir: %w", err)
	}
	// Resolve symlinks in root to prevent bypass.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace: eval symlinks on root: %w", err)
	}
	return &Manager{rootDir: resolved}, nil
}

// PathFor returns the tree directory for a cubicle key without creating it.
func (m *Manager) PathFor(agentID, userID int64) string {
	return filepath.Join(m.rootDir, fmt.Sprintf("agent-%d", agentID), fmt.Sprintf("user-%d", userID))
}

// Ensure creates the full tree for a cubicle key and returns a handle to it.
// Existing content is left untouched, so a woken cubicle finds its desk as
// it left it.
func (m *Manager) Ensure(agentID, userID int64) (*Tree, error) {
	dir := m.PathFor(agentID, userID)
	for _, sub := range subdirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", ErrWorkspaceIO, sub, err)
		}
	}
	return &Tree{rootDir: m.rootDir, dir: dir}, nil
}

// Open returns a handle for an existing tree, or nil when the key has no
// workspace on disk.
func (m *Manager) Open(agentID, userID int64) (*Tree, error) {
	dir := m.PathFor(agentID, userID)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("workspace: stat tree: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace: %s is not a directory", dir)
	}
	return &Tree{rootDir: m.rootDir, dir: dir}, nil
}

// Remove deletes the whole tree for a cubicle key. The cleanup sweep calls
// this after removing the container.
func (m *Manager) Remove(agentID, userID int64) error {
	dir := m.PathFor(agentID, userID)
	if dir == m.rootDir {
		return fmt.Errorf("workspace: refusing to remove root")
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("workspace: remove tree: %w", err)
	}
	// Drop the agent directory too once its last user tree is gone.
	parent := filepath.Dir(dir)
	if entries, err := os.ReadDir(parent); err == nil && len(entries) == 0 {
		_ = os.Remove(parent)
	}
	return nil
}

// Tree is one cubicle's workspace.
type Tree struct {
	rootDir string
	dir     string
}

// Dir returns the host path bind-mounted into the sandbox at /workspace.
func (t *Tree) Dir() string {
	return t.dir
}

// resolve validates that path stays within the tree. It returns the
// absolute path or an error if traversal is detected.
func (t *Tree) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("workspace: empty path")
	}
	cleaned := filepath.Clean(path)
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("workspace: absolute paths not allowed")
	}
	full := filepath.Join(t.dir, cleaned)
	abs, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("workspace: resolve path: %w", err)
	}

	// Resolve symlinks to prevent traversal via symlink.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// For non-existent paths (new files), walk up to find the deepest
		// existing ancestor and resolve symlinks from there.
		resolved, err = evalSymlinksPartial(abs)
		if err != nil {
			return "", fmt.Errorf("workspace: resolve symlinks: %w", err)
		}
	}

	if resolved != t.dir && !strings.HasPrefix(resolved, t.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("workspace: path traversal blocked: %s", path)
	}
	return resolved, nil
}

// evalSymlinksPartial walks up from path until it finds an existing ancestor,
// resolves symlinks on that ancestor, then re-appends the remaining segments.
func evalSymlinksPartial(abs string) (string, error) {
	current := abs
	var trailing []string
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(trailing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, trailing[i])
			}
			return resolved, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no existing ancestor for %s", abs)
		}
		trailing = append(trailing, filepath.Base(current))
		current = parent
	}
}

// Read reads a file within the tree. Maximum size is 1 MB.
func (t *Tree) Read(path string) (string, error) {
	resolved, err := t.resolve(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("workspace: stat: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("workspace: path is a directory")
	}
	if info.Size() > maxReadBytes {
		return "", fmt.Errorf("workspace: file too large: %d bytes (max %d)", info.Size(), maxReadBytes)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("workspace: read: %w", err)
	}
	return string(data), nil
}

// Write writes content to a file atomically (temp file + rename). Parent
// directories are created as needed.
func (t *Tree) Write(path, content string) error {
	resolved, err := t.resolve(path)
	if err != nil {
		return err
	}
	return atomicWrite(resolved, []byte(content))
}

// List returns directory entries (max 500).
func (t *Tree) List(dir string) ([]FileInfo, error) {
	resolved, err := t.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("workspace: read dir: %w", err)
	}
	var result []FileInfo
	for i, entry := range entries {
		if i >= maxListEntries {
			break
		}
		info, err := entry.Info()
		var size int64
		if err == nil {
			size = info.Size()
		}
		result = append(result, FileInfo{
			Name:  entry.Name(),
			IsDir: entry.IsDir(),
			Size:  size,
		})
	}
	return result, nil
}

// WriteHistory snapshots the conversation window the sandbox will read.
func (t *Tree) WriteHistory(data []byte) error {
	return t.Write(filepath.Join(contextDir, historyFile), string(data))
}

// HistoryPath returns the sandbox-relative path of the history snapshot.
func HistoryPath() string {
	return filepath.Join(contextDir, historyFile)
}

// WriteMeeting snapshots meeting context into the tree.
func (t *Tree) WriteMeeting(data []byte) error {
	return t.Write(filepath.Join(contextDir, meetingFile), string(data))
}

// ClearMeeting removes the meeting snapshot. Missing files are fine.
func (t *Tree) ClearMeeting() error {
	resolved, err := t.resolve(filepath.Join(contextDir, meetingFile))
	if err != nil {
		return err
	}
	if err := os.Remove(resolved); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("workspace: clear meeting: %w", err)
	}
	return nil
}

// HasMeeting reports whether a meeting snapshot is staged in the tree.
func (t *Tree) HasMeeting() bool {
	resolved, err := t.resolve(filepath.Join(contextDir, meetingFile))
	if err != nil {
		return false
	}
	fi, err := os.Stat(resolved)
	return err == nil && !fi.IsDir()
}

// MeetingPath returns the sandbox-relative path of the meeting snapshot.
func MeetingPath() string {
	return filepath.Join(contextDir, meetingFile)
}

// WriteDecision answers a sandbox token: the agent polls
// .control/<token>.json for the host's verdict.
func (t *Tree) WriteDecision(token string, d Decision) error {
	if !validToken(token) {
		return fmt.Errorf("workspace: invalid token %q", token)
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("workspace: marshal decision: %w", err)
	}
	return t.Write(filepath.Join(controlDir, token+".json"), string(data))
}

// ClearControl removes all control files. The runner calls this at the end
// of every run so stale decisions can never answer a future token.
func (t *Tree) ClearControl() error {
	dir := filepath.Join(t.dir, controlDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("workspace: read control dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("workspace: clear control: %w", err)
		}
	}
	return nil
}

// validToken accepts the token charset sandboxes mint (UUID-shaped).
func validToken(token string) bool {
	if token == "" || len(token) > 64 {
		return false
	}
	for _, r := range token {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		default:
			return false
		}
	}
	return true
}

// atomicWrite writes data via temp file + rename in the target directory.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir: %v", ErrWorkspaceIO, err)
	}
	tmp, err := os.CreateTemp(dir, ".ws-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", ErrWorkspaceIO, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write temp: %v", ErrWorkspaceIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close temp: %v", ErrWorkspaceIO, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename: %v", ErrWorkspaceIO, err)
	}
	return nil
}
