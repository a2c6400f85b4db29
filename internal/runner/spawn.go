package runner

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentcore/agentcore/internal/domain"
	apperrors "github.com/agentcore/agentcore/pkg/errors"
	"github.com/agentcore/agentcore/pkg/logger"
	"github.com/agentcore/agentcore/pkg/util"
)

// buildArgs assembles the child's argv per spec §6: optional
// --dangerously-skip-permissions, the stream-json protocol flags,
// optional --resume, then --print -- and the prompt as the last arg.
func (m *Manager) buildArgs(agent *domain.Agent, prompt, resumeSessionID string) []string {
	var args []string
	if agent.DangerouslySkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	args = append(args,
		"--output-format", "stream-json",
		"--verbose",
		"--max-turns", strconv.Itoa(m.cfg.MaxTurns),
		"--model", agent.Model,
	)
	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	}
	args = append(args, "--print", "--", prompt)
	return args
}

// spawn launches the child process in its own process group, piping
// stdout/stderr, and attaches the event-ingestion handlers (spec
// §4.E.1 Spawn). resumeSessionID is empty for a first spawn.
func (m *Manager) spawn(ctx context.Context, agentID, prompt, resumeSessionID string) error {
	m.mu.RLock()
	agent := m.agents[agentID]
	proc := m.processes[agentID]
	m.mu.RUnlock()
	if agent == nil || proc == nil {
		return apperrors.Wrap(apperrors.ErrNotFound, "runner.spawn", "agent not found")
	}

	env, err := m.workspace.BuildEnv(agentID)
	if err != nil {
		return apperrors.Wrap(err, "runner.spawn", "build env")
	}

	args := m.buildArgs(agent, prompt, resumeSessionID)
	cmd := exec.CommandContext(context.Background(), m.cfg.AgentCommand, args...)
	cmd.Env = env
	cmd.Dir = agent.WorkspaceDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = 2 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return apperrors.Wrap(err, "runner.spawn", "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return apperrors.Wrap(err, "runner.spawn", "stderr pipe")
	}
	cmd.Stdin = nil // stdin ignored, per spec §4.E.1

	if err := cmd.Start(); err != nil {
		return apperrors.Wrap(err, "runner.spawn", "start process")
	}

	proc.mu.Lock()
	proc.cmd = cmd
	proc.pid = cmd.Process.Pid
	proc.exited = false
	proc.exitCode = nil
	proc.lineBuffer = nil
	proc.stdoutPaused = false
	proc.mu.Unlock()

	util.SafeGo(func() { m.readStdout(agentID, stdout) })
	util.SafeGo(func() { m.readStderr(agentID, stderr) })
	util.SafeGo(func() { m.awaitExit(agentID, cmd) })

	return nil
}

// readStdout is the hot-path handler: it only ever appends to
// lineBuffer and schedules a batch processor, never doing I/O or
// parsing directly (spec §4.E.2 "never do I/O or complex work
// directly in the stdout data handler"). While stdoutPaused is set it
// stops reading until the batch processor has drained the buffer.
func (m *Manager) readStdout(agentID string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		m.onStdoutLine(agentID, line)
		for {
			m.mu.RLock()
			proc := m.processes[agentID]
			m.mu.RUnlock()
			if proc == nil {
				break
			}
			proc.mu.Lock()
			paused := proc.stdoutPaused
			proc.mu.Unlock()
			if !paused {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func (m *Manager) onStdoutLine(agentID string, line []byte) {
	m.mu.RLock()
	proc := m.processes[agentID]
	m.mu.RUnlock()
	if proc == nil {
		return
	}

	proc.mu.Lock()
	proc.lineBuffer = append(proc.lineBuffer, line...)
	proc.lineBuffer = append(proc.lineBuffer, '\n')
	needsSchedule := !proc.batchScheduled
	proc.batchScheduled = true
	paused := proc.stdoutPaused
	if !paused && len(proc.lineBuffer) > MaxLineBuffer {
		proc.stdoutPaused = true
		paused = true
		logger.Warn("runner: line buffer over threshold, pausing stdout", logger.FieldAgentID, agentID, logger.FieldCount, len(proc.lineBuffer))
	}
	proc.mu.Unlock()

	if needsSchedule {
		util.SafeGo(func() { m.processBatch(agentID) })
	}
}

// noiseAllowlist is the small set of stderr substrings treated as
// startup noise rather than surfaced stderr events (spec §6).
var noiseAllowlist = []string{
	"ExperimentalWarning",
	"DeprecationWarning",
}

func (m *Manager) readStderr(agentID string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if isNoise(line) {
			continue
		}
		m.recordEvent(agentID, domain.StreamEvent{Type: domain.EventStderr, Text: line})
	}
}

func isNoise(line string) bool {
	for _, n := range noiseAllowlist {
		if strings.Contains(line, n) {
			return true
		}
	}
	return false
}

// awaitExit waits for the child, flushes remaining state and
// transitions status (spec §4.E.3 Process exit).
func (m *Manager) awaitExit(agentID string, cmd *exec.Cmd) {
	err := cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	m.onProcessExit(agentID, code)
}

func (m *Manager) onProcessExit(agentID string, code int) {
	m.mu.RLock()
	proc := m.processes[agentID]
	m.mu.RUnlock()
	if proc == nil {
		return
	}

	proc.mu.Lock()
	if len(proc.lineBuffer) > 0 {
		m.ingestLineLocked(proc, agentID, proc.lineBuffer)
		proc.lineBuffer = nil
	}
	proc.exited = true
	ec := code
	proc.exitCode = &ec
	wasPausedZombie := proc.pausedZombie
	proc.pausedZombie = false
	proc.mu.Unlock()

	m.recordEvent(agentID, domain.StreamEvent{Type: domain.EventDone, ExitCode: &code})
	m.flushEventBatch(agentID)

	m.mu.RLock()
	agent := m.agents[agentID]
	m.mu.RUnlock()
	if agent == nil {
		return
	}

	if wasPausedZombie {
		m.setStatus(agentID, domain.StatusIdle)
		if m.onIdle != nil {
			m.onIdle(agentID)
		}
		return
	}

	if code == 0 {
		m.setStatus(agentID, domain.StatusIdle)
		if m.onIdle != nil {
			m.onIdle(agentID)
		}
	} else {
		m.setStatus(agentID, domain.StatusError)
	}
}
