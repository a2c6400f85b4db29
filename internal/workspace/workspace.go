// Package workspace provisions per-agent scratch directories, builds
// the environment allowlist passed to child processes and persists
// attachments (spec §4.C).
//
// Grounded on the teacher's internal/service/workspace.go: the
// path-safety helpers (reject absolute paths and `..`, verify
// containment via filepath.Rel rather than strings.HasPrefix) and the
// atomic-copy-with-symlink-rejection idiom are reused near verbatim,
// repurposed from "merge a workspace run" to "provision an agent
// workspace".
package workspace

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	apperrors "github.com/agentcore/agentcore/pkg/errors"
	"github.com/agentcore/agentcore/pkg/logger"
)

const (
	tokenRefreshInterval = 60 * time.Minute
	tokenFileName        = "service-token.json"
	instructionsFileName = "AGENT_INSTRUCTIONS.md"
	attachmentsDirName   = ".attachments"
)

// AllowlistedEnv are the host environment variable names forwarded to
// children verbatim: runtime basics and locale. No integration-token
// variables are on the list. Server-only secrets never appear here.
var AllowlistedEnv = []string{
	"PATH", "HOME", "LANG", "LC_ALL", "TZ",
	"NODE_ENV", "TERM",
}

// Provisioner manages per-agent workspace directories.
type Provisioner struct {
	root           string
	sharedContext  string
	persistentRepo string

	mu       sync.Mutex
	refresh  map[string]*time.Timer
}

// New creates a Provisioner rooted at root. sharedContext and
// persistentRepo may be empty to skip those symlinks.
func New(root, sharedContext, persistentRepo string) (*Provisioner, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, apperrors.Wrap(err, "workspace.New", "resolve root")
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, apperrors.Wrap(err, "workspace.New", "mkdir root")
	}
	return &Provisioner{root: abs, sharedContext: sharedContext, persistentRepo: persistentRepo, refresh: make(map[string]*time.Timer)}, nil
}

// Dir returns the absolute workspace directory for an agent id.
func (p *Provisioner) Dir(agentID string) string {
	return filepath.Join(p.root, agentID)
}

// isPathWithinRoot verifies child is contained in root using
// filepath.Rel rather than strings.HasPrefix — HasPrefix can't
// distinguish /root/work from /root/work2 (grounded on the teacher's
// identical comment in service/workspace.go).
func isPathWithinRoot(root, child string) bool {
	rel, err := filepath.Rel(root, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// EnsureWorkspace creates dir, symlinks the shared-context and
// persistent-repo directories into it, writes an instruction file and
// a freshly generated service token. Idempotent: calling twice leaves
// identical filesystem state modulo the rotating token (spec §8
// round-trip law).
func (p *Provisioner) EnsureWorkspace(agentName, agentID string) (string, error) {
	dir := p.Dir(agentID)
	if !isPathWithinRoot(p.root, dir) {
		return "", apperrors.New("workspace.EnsureWorkspace", "resolved path escapes workspace root")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", apperrors.Wrap(err, "workspace.EnsureWorkspace", "mkdir workspace")
	}

	if p.sharedContext != "" {
		if err := ensureSymlink(p.sharedContext, filepath.Join(dir, "shared-context")); err != nil {
			logger.Warn("workspace: shared-context symlink failed", logger.FieldAgentID, agentID, logger.FieldError, err)
		}
	}
	if p.persistentRepo != "" {
		if err := ensureSymlink(p.persistentRepo, filepath.Join(dir, "repos")); err != nil {
			logger.Warn("workspace: persistent-repos symlink failed", logger.FieldAgentID, agentID, logger.FieldError, err)
		}
	}

	if err := p.writeInstructions(dir, agentName, agentID); err != nil {
		return "", err
	}
	if err := p.writeServiceToken(dir); err != nil {
		return "", err
	}

	p.armRefresh(agentID, dir)
	return dir, nil
}

func ensureSymlink(target, link string) error {
	if existing, err := os.Readlink(link); err == nil {
		if existing == target {
			return nil
		}
		_ = os.Remove(link)
	}
	return os.Symlink(target, link)
}

func (p *Provisioner) writeInstructions(dir, agentName, agentID string) error {
	content := fmt.Sprintf("# Agent workspace\n\nName: %s\nID: %s\n\nThis directory is your private scratch space. `shared-context/` and `repos/` (if present) are read-only shared resources.\n",
		agentName, agentID)
	path := filepath.Join(dir, instructionsFileName)
	return os.WriteFile(path, []byte(content), 0o640)
}

func (p *Provisioner) writeServiceToken(dir string) error {
	token, err := generateToken()
	if err != nil {
		return apperrors.Wrap(err, "workspace.writeServiceToken", "generate token")
	}
	data := fmt.Sprintf(`{"token":%q,"issuedAt":%q}`, token, time.Now().UTC().Format(time.RFC3339))
	path := filepath.Join(dir, tokenFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(data), 0o600); err != nil {
		return apperrors.Wrap(err, "workspace.writeServiceToken", "write temp token")
	}
	return os.Rename(tmp, path)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// armRefresh schedules a token rewrite every 60 minutes while the
// agent's workspace is tracked (spec §4.C "Refresh periodically").
func (p *Provisioner) armRefresh(agentID, dir string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.refresh[agentID]; ok {
		return
	}
	var schedule func() *time.Timer
	schedule = func() *time.Timer {
		return time.AfterFunc(tokenRefreshInterval, func() {
			if err := p.writeServiceToken(dir); err != nil {
				logger.Warn("workspace: token refresh failed", logger.FieldAgentID, agentID, logger.FieldError, err)
			}
			p.mu.Lock()
			if _, ok := p.refresh[agentID]; ok {
				p.refresh[agentID] = schedule()
			}
			p.mu.Unlock()
		})
	}
	p.refresh[agentID] = schedule()
}

// StopRefresh cancels the token-refresh timer for an agent (called
// from destroy/teardown).
func (p *Provisioner) StopRefresh(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.refresh[agentID]; ok {
		t.Stop()
		delete(p.refresh, agentID)
	}
}

// PruneStale removes every workspace directory under root whose id is
// not in liveIDs, catching agent directories left behind by a crash
// between EnsureWorkspace and the matching persisted state being
// written (spec §4.C, supplemented per SPEC_FULL "stale workspace
// prune"). Returns the number of directories removed.
func (p *Provisioner) PruneStale(liveIDs map[string]bool) (int, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, apperrors.Wrap(err, "workspace.PruneStale", "read workspace root")
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || liveIDs[e.Name()] {
			continue
		}
		dir := filepath.Join(p.root, e.Name())
		if !isPathWithinRoot(p.root, dir) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("workspace: prune stale workspace failed", logger.FieldAgentID, e.Name(), logger.FieldError, err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Remove deletes the agent's workspace tree entirely.
func (p *Provisioner) Remove(agentID string) error {
	p.StopRefresh(agentID)
	dir := p.Dir(agentID)
	if !isPathWithinRoot(p.root, dir) {
		return apperrors.New("workspace.Remove", "resolved path escapes workspace root")
	}
	return os.RemoveAll(dir)
}

// BuildEnv returns the environment map for a child process: the
// allowlisted host variables, a fresh service token, and two
// hard-coded keys disabling nested-session detection (spec §4.C
// buildEnv). Server-only secrets are never included.
func (p *Provisioner) BuildEnv(agentID string) ([]string, error) {
	env := make([]string, 0, len(AllowlistedEnv)+4)
	for _, name := range AllowlistedEnv {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	token, err := generateToken()
	if err != nil {
		return nil, apperrors.Wrap(err, "workspace.BuildEnv", "generate token")
	}
	env = append(env,
		"AGENT_SERVICE_TOKEN="+token,
		"AGENT_ID="+agentID,
		"DISABLE_NESTED_SESSION_DETECTION=1",
		"IS_SANDBOX=1",
	)
	return env, nil
}

// Attachment is a single input to persist alongside a prompt.
type Attachment struct {
	Kind     string `json:"kind"` // "image" (base64 data URL) or "file" (plain text)
	Filename string `json:"filename"`
	Data     string `json:"data"`
}

// SaveAttachments persists attachments into dir/.attachments/ with
// sanitized filenames and returns a prompt prefix instructing the
// agent to read them (spec §4.C saveAttachments).
func (p *Provisioner) SaveAttachments(agentID string, attachments []Attachment) (string, error) {
	if len(attachments) == 0 {
		return "", nil
	}
	dir := filepath.Join(p.Dir(agentID), attachmentsDirName)
	if !isPathWithinRoot(p.root, dir) {
		return "", apperrors.New("workspace.SaveAttachments", "resolved path escapes workspace root")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", apperrors.Wrap(err, "workspace.SaveAttachments", "mkdir attachments")
	}

	var names []string
	for i, a := range attachments {
		name := sanitizeFilename(a.Filename)
		if name == "" {
			name = fmt.Sprintf("attachment-%d", i)
		}
		path := filepath.Join(dir, name)
		if !isPathWithinRoot(dir, path) {
			continue
		}

		var content []byte
		switch a.Kind {
		case "image":
			raw, err := decodeDataURL(a.Data)
			if err != nil {
				logger.Warn("workspace: skipping undecodable image attachment", logger.FieldAgentID, agentID, logger.FieldError, err)
				continue
			}
			content = raw
		case "file":
			content = []byte(a.Data)
		default:
			continue
		}
		if err := os.WriteFile(path, content, 0o640); err != nil {
			return "", apperrors.Wrap(err, "workspace.SaveAttachments", "write attachment")
		}
		names = append(names, filepath.Join(attachmentsDirName, name))
	}

	if len(names) == 0 {
		return "", nil
	}
	return fmt.Sprintf("Before responding, read the following attachments: %s\n\n", strings.Join(names, ", ")), nil
}

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func decodeDataURL(s string) ([]byte, error) {
	if idx := strings.Index(s, ","); idx != -1 && strings.HasPrefix(s, "data:") {
		s = s[idx+1:]
	}
	return base64.StdEncoding.DecodeString(s)
}
