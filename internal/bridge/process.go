package bridge

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/zeebo/xxh3"
)

const terminateTimeout = 3 * time.Second

// process is one running engine instance with its temporary workdir.
type process struct {
	cmd     *exec.Cmd
	workdir string
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	done    chan struct{}
}

// launchProcess writes the config into a fresh temp workdir and starts the
// engine. The workdir name carries a hash of the share link so concurrent
// bridges for distinct proxies never collide.
func launchProcess(binary string, cfg []byte, name, uri string) (*process, error) {
	prefix := fmt.Sprintf("xbridge_%s_%016x_", safeDirPart(name), xxh3.HashString(uri))
	workdir, err := os.MkdirTemp("", prefix)
	if err != nil {
		return nil, fmt.Errorf("bridge: create workdir: %w", err)
	}

	cfgPath := filepath.Join(workdir, "config.json")
	if err := os.WriteFile(cfgPath, cfg, 0o600); err != nil {
		os.RemoveAll(workdir)
		return nil, fmt.Errorf("bridge: write config: %w", err)
	}

	p := &process{
		workdir: workdir,
		done:    make(chan struct{}),
	}
	cmd := exec.Command(binary, "-config", cfgPath)
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr
	// Own process group, so terminate can signal engine children too, and
	// a Wait that never blocks on pipes inherited by those children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		os.RemoveAll(workdir)
		return nil, fmt.Errorf("bridge: start %s: %w", binary, err)
	}
	p.cmd = cmd

	go func() {
		cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// alive reports whether the engine process is still running.
func (p *process) alive() bool {
	if p == nil || p.cmd == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// terminate sends SIGTERM to the engine's process group and escalates to
// SIGKILL after terminateTimeout.
func (p *process) terminate() {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return
	}
	p.signal(syscall.SIGTERM)
	select {
	case <-p.done:
	case <-time.After(terminateTimeout):
		p.signal(syscall.SIGKILL)
		<-p.done
	}
}

// signal targets the whole process group so engine-spawned children die
// with the engine; it falls back to the direct pid when the group is gone.
func (p *process) signal(sig syscall.Signal) {
	if err := syscall.Kill(-p.cmd.Process.Pid, sig); err != nil {
		p.cmd.Process.Signal(sig)
	}
}

// cleanup removes the temporary workdir. Errors are ignored.
func (p *process) cleanup() {
	if p == nil || p.workdir == "" {
		return
	}
	os.RemoveAll(p.workdir)
}

// stderrExcerpt returns a short slice of captured stderr for error
// messages. Only safe after the process has exited.
func (p *process) stderrExcerpt() string {
	out := strings.TrimSpace(p.stderr.String())
	if out == "" {
		out = strings.TrimSpace(p.stdout.String())
	}
	if len(out) > 200 {
		out = out[:200]
	}
	return out
}

func safeDirPart(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "bridge"
	}
	return b.String()
}
