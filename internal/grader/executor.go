package grader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrUnknownLanguage is returned by Prepare for languages missing from the registry.
var ErrUnknownLanguage = errors.New("unsupported language")

// MaxCapturedOutput bounds how much of each output stream a run keeps.
const MaxCapturedOutput = 1 << 20

// Execution is what a single run of a program produced. Truncated reports
// that a stream went past the capture limit and was cut.
type Execution struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Truncated bool
}

// Executor readies submitted code for running.
type Executor interface {
	Prepare(ctx context.Context, lang, code string) (Program, error)
}

// Program is a prepared submission that can be run against many inputs.
type Program interface {
	Run(ctx context.Context, input string) (Execution, error)
	Close() error
}

// Language describes how to build and run one source language.
type Language struct {
	ID         string `yaml:"id"`
	CodeFname  string `yaml:"code_fname"`
	CompileCmd string `yaml:"compile_cmd"`
	ExecCmd    string `yaml:"exec_cmd"`
}

// ProcessExecutor runs submissions as local processes in a scratch
// directory. It does not sandbox anything.
type ProcessExecutor struct {
	langs          map[string]Language
	workDir        string
	compileTimeout time.Duration
	outputLimit    int
}

func NewProcessExecutor(langs []Language, workDir string, compileTimeout time.Duration) *ProcessExecutor {
	byID := make(map[string]Language, len(langs))
	for _, l := range langs {
		byID[l.ID] = l
	}
	if compileTimeout <= 0 {
		compileTimeout = 10 * time.Second
	}
	return &ProcessExecutor{
		langs:          byID,
		workDir:        workDir,
		compileTimeout: compileTimeout,
		outputLimit:    MaxCapturedOutput,
	}
}

func (e *ProcessExecutor) Prepare(ctx context.Context, lang, code string) (Program, error) {
	l, ok := e.langs[lang]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLanguage, lang)
	}

	dir, err := os.MkdirTemp(e.workDir, "subm-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, l.CodeFname), []byte(code), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("write source: %w", err)
	}

	p := &process{dir: dir, argv: strings.Fields(l.ExecCmd), limit: e.outputLimit}
	if len(p.argv) == 0 {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("language %q has no exec command", lang)
	}

	if l.CompileCmd != "" {
		cctx, cancel := context.WithTimeout(ctx, e.compileTimeout)
		defer cancel()
		out, err := p.exec(cctx, strings.Fields(l.CompileCmd), "")
		if err != nil {
			_ = os.RemoveAll(dir)
			msg := strings.TrimSpace(out.Stderr)
			if msg == "" {
				msg = strings.TrimSpace(out.Stdout)
			}
			return nil, fmt.Errorf("compilation failed: %w: %s", err, msg)
		}
	}
	return p, nil
}

type process struct {
	dir   string
	argv  []string
	limit int
}

func (p *process) Run(ctx context.Context, input string) (Execution, error) {
	return p.exec(ctx, p.argv, input)
}

func (p *process) Close() error {
	return os.RemoveAll(p.dir)
}

func (p *process) exec(ctx context.Context, argv []string, input string) (Execution, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = p.dir
	cmd.WaitDelay = 500 * time.Millisecond
	cmd.Stdin = strings.NewReader(input)
	stdout := &cappedBuffer{limit: p.limit}
	stderr := &cappedBuffer{limit: p.limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	started := time.Now()
	err := cmd.Run()
	out := Execution{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(started),
		Truncated: stdout.truncated || stderr.truncated,
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out, errors.New("time limit exceeded")
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, fmt.Errorf("runtime error: exit status %d", out.ExitCode)
		}
		return out, fmt.Errorf("execution failed: %w", err)
	}
	if out.Truncated {
		return out, errors.New("output limit exceeded")
	}
	return out, nil
}

// cappedBuffer keeps the first limit bytes written to it and drains the
// rest, so a chatty program never blocks on a full pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := c.limit - c.buf.Len(); room < len(p) {
		c.truncated = true
		if room > 0 {
			c.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string { return c.buf.String() }
