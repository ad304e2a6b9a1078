package reasoner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"relay/internal/config"
	"relay/internal/logging"
)

// sessionIDPrefix marks a stdout line carrying the reasoner's session id.
// Such lines are captured, not forwarded as progress.
const sessionIDPrefix = "SESSION_ID:"

// maxOutputBytes bounds accumulated stdout per invocation.
const maxOutputBytes = 1 << 20

// Subprocess runs the reasoner as a child process. The prompt goes to stdin,
// stdout lines stream to the progress sink and accumulate as the output,
// stderr becomes the error text on non-zero exit.
type Subprocess struct {
	binary         string
	extraArgs      []string
	toolConfigPath string
	workDir        string
}

// NewSubprocess builds a subprocess reasoner from config.
func NewSubprocess(cfg config.ReasonerConfig) *Subprocess {
	return &Subprocess{
		binary:         cfg.Binary,
		extraArgs:      append([]string(nil), cfg.ExtraArgs...),
		toolConfigPath: cfg.ToolConfigPath,
		workDir:        cfg.WorkingDirectory,
	}
}

// Execute runs one reasoner invocation. Cancelling the context kills the
// subprocess.
func (s *Subprocess) Execute(ctx context.Context, req Request, progress ProgressSink) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryReasoner, "Subprocess.Execute")
	defer timer.Stop()

	args := append([]string(nil), s.extraArgs...)
	args = append(args, req.ExtraArgs...)

	toolConfig := req.ToolConfigPath
	if toolConfig == "" {
		toolConfig = s.toolConfigPath
	}
	if toolConfig != "" {
		args = append(args, "--tool-config", toolConfig)
	}

	cmd := exec.CommandContext(ctx, s.binary, args...)
	cmd.Dir = s.workDir
	cmd.Stdin = strings.NewReader(req.Prompt)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open reasoner stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start reasoner %s: %w", s.binary, err)
	}
	logging.Reasoner("Reasoner started: %s pid=%d prompt=%d bytes", s.binary, cmd.Process.Pid, len(req.Prompt))

	var output strings.Builder
	var sessionID string
	truncated := false

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()

			if strings.HasPrefix(line, sessionIDPrefix) {
				sessionID = strings.TrimSpace(strings.TrimPrefix(line, sessionIDPrefix))
				continue
			}

			if output.Len() < maxOutputBytes {
				if output.Len() > 0 {
					output.WriteByte('\n')
				}
				output.WriteString(line)
			} else if !truncated {
				truncated = true
				logging.ReasonerError("Reasoner output exceeded %d bytes, truncating", maxOutputBytes)
			}

			if progress != nil {
				progress(line)
			}
		}
	}()

	waitErr := cmd.Wait()
	wg.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		reason := "canceled"
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			reason = "deadline exceeded"
		}
		logging.Reasoner("Reasoner pid=%d killed: %s", cmd.Process.Pid, reason)
		return &Result{Success: false, Output: output.String(), Error: reason, SessionID: sessionID}, nil
	}

	if waitErr != nil {
		errText := strings.TrimSpace(stderr.String())
		if errText == "" {
			errText = waitErr.Error()
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			logging.Reasoner("Reasoner pid=%d exited %d", cmd.Process.Pid, exitErr.ExitCode())
			return &Result{Success: false, Output: output.String(), Error: errText, SessionID: sessionID}, nil
		}
		return nil, fmt.Errorf("reasoner failed: %w", waitErr)
	}

	logging.Reasoner("Reasoner pid=%d completed, output=%d bytes", cmd.Process.Pid, output.Len())
	return &Result{Success: true, Output: output.String(), SessionID: sessionID}, nil
}
