package audiotool

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, onStderr func(string)) ([]byte, error)
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string, onStderr func(string)) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	// Stderr must be drained before Wait closes the pipe.
	scanStderr(stderr, onStderr)

	if err := cmd.Wait(); err != nil {
		return stdout.Bytes(), fmt.Errorf("wait command: %w", err)
	}
	return stdout.Bytes(), nil
}

const maxStderrLine = 1024 * 1024

// scanStderr forwards stderr line by line. Once a line exceeds maxStderrLine
// the scanner gives up; the rest is discarded so the child never blocks on a
// full pipe.
func scanStderr(r io.Reader, forward func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxStderrLine)
	for scanner.Scan() {
		if forward != nil {
			forward(scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil && forward != nil {
		forward(fmt.Sprintf("stderr output truncated: %v", err))
	}
	_, _ = io.Copy(io.Discard, r)
}

// tailBuffer keeps the last few stderr lines for error messages.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	lines []string
}

func (t *tailBuffer) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.limit {
		t.lines = t.lines[len(t.lines)-t.limit:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, " | ")
}
