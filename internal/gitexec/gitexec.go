// Package gitexec runs the git CLI as a child process with context cancellation
// and prefixed stderr logging.
package gitexec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrNotInstalled is returned when the git binary cannot be found.
var ErrNotInstalled = errors.New("git: binary not found in PATH")

// Runner runs git subcommands.
type Runner struct {
	// Path to the git binary; "" means look up "git" in PATH.
	Path string
	// Env entries added to the child's environment (e.g. GIT_TERMINAL_PROMPT=0).
	Env []string
	// Grace is how long a cancelled child gets after SIGINT before it is killed.
	Grace time.Duration
	// Redact is applied to every logged line (hide tokens in remote URLs).
	Redact func(string) string
}

// Available reports whether git can be executed.
func (r *Runner) Available() bool {
	_, err := r.binary()
	return err == nil
}

func (r *Runner) binary() (string, error) {
	name := r.Path
	if name == "" {
		name = "git"
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", ErrNotInstalled
	}
	return p, nil
}

// Run executes git args in dir and returns stdout. stderr lines are logged with a [git <sub>] prefix.
func (r *Runner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	bin, err := r.binary()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(bin, args...)
	cmd.Dir = dir
	cmd.Env = append(append(os.Environ(), "GIT_TERMINAL_PROMPT=0"), r.Env...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("git: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("git: start: %w", err)
	}
	sub := ""
	if len(args) > 0 {
		sub = args[0]
	}
	var ioWG sync.WaitGroup
	var lastErrLine string
	ioWG.Add(1)
	go func() {
		defer ioWG.Done()
		lastErrLine = r.copyPrefixed(sub, stderr)
	}()

	waitCh := make(chan error, 1)
	go func() {
		ioWG.Wait()
		waitCh <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Signal(os.Interrupt)
		grace := r.Grace
		if grace <= 0 {
			grace = 5 * time.Second
		}
		select {
		case <-waitCh:
		case <-time.After(grace):
			_ = cmd.Process.Kill()
			<-waitCh
		}
		return nil, ctx.Err()
	case err := <-waitCh:
		if err != nil {
			if lastErrLine != "" {
				return stdout.Bytes(), fmt.Errorf("git %s: %w: %s", sub, err, lastErrLine)
			}
			return stdout.Bytes(), fmt.Errorf("git %s: %w", sub, err)
		}
		return stdout.Bytes(), nil
	}
}

// copyPrefixed logs each stderr line and returns the last non-empty one.
func (r *Runner) copyPrefixed(sub string, rd io.Reader) string {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	last := ""
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if r.Redact != nil {
			line = r.Redact(line)
		}
		last = line
		log.Printf("[git %s] %s", sub, line)
	}
	return last
}
