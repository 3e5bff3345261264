// Package engine drives the external container engine (Docker plus the
// Compose plugin) for bot runtime units. All verbs are wall-clock bounded
// and report failures structurally (exit code plus captured stderr), never
// by scanning output text.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrUnavailable is returned by every verb when no compose binary was
	// found at startup. Detection runs once; callers never trigger a spawn
	// attempt against an absent engine.
	ErrUnavailable = errors.New("container engine unavailable")
	// ErrTimeout is returned when an engine command exceeds its deadline.
	ErrTimeout = errors.New("engine command timed out")
)

// CommandError is a failed engine command: the verb that ran, the process
// exit code, and trimmed stderr. The raw command line is deliberately not
// included (it can carry paths clients must not see).
type CommandError struct {
	Verb     string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("engine %s failed (exit %d)", e.Verb, e.ExitCode)
	}
	return fmt.Sprintf("engine %s failed (exit %d): %s", e.Verb, e.ExitCode, e.Stderr)
}

// Runner executes one external command. Abstracted so tests can substitute
// a scripted double and assert on call counts.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr string, err error)
}

// execRunner is the production Runner backed by os/exec.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return outBuf.String(), errBuf.String(), err
}

// Options configures a Compose engine.
type Options struct {
	// ContainerPrefix namespaces runtime units ("probots" → "probots-<name>").
	ContainerPrefix string
	// HelperImage runs privileged one-shot cleanup/export tasks.
	HelperImage string
	// LaunchTimeout bounds up/stop/restart/down and helper tasks;
	// LogsTimeout bounds log tailing and status inspection.
	LaunchTimeout time.Duration
	LogsTimeout   time.Duration
	// Runner overrides process execution (tests). Nil means os/exec.
	Runner Runner
}

// Compose launches and manages runtime units through the compose CLI.
type Compose struct {
	runner        Runner
	compose       []string // "docker compose" or "docker-compose", nil if absent
	prefix        string
	helperImage   string
	launchTimeout time.Duration
	logsTimeout   time.Duration
	tracer        trace.Tracer
}

// New probes for a compose binary (once — the result is cached for the
// process lifetime) and returns the engine handle. An absent engine is not
// an error here; every verb on the returned handle fails ErrUnavailable.
func New(opts Options) *Compose {
	c := &Compose{
		runner:        opts.Runner,
		prefix:        opts.ContainerPrefix,
		helperImage:   opts.HelperImage,
		launchTimeout: opts.LaunchTimeout,
		logsTimeout:   opts.LogsTimeout,
		tracer:        otel.Tracer("probots/engine"),
	}
	if c.runner == nil {
		c.runner = execRunner{}
	}
	if c.prefix == "" {
		c.prefix = "probots"
	}
	if c.launchTimeout == 0 {
		c.launchTimeout = 30 * time.Second
	}
	if c.logsTimeout == 0 {
		c.logsTimeout = 10 * time.Second
	}

	probeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, _, err := c.runner.Run(probeCtx, "", "docker", "compose", "version"); err == nil {
		c.compose = []string{"docker", "compose"}
	} else if _, _, err := c.runner.Run(probeCtx, "", "docker-compose", "version"); err == nil {
		c.compose = []string{"docker-compose"}
	}
	return c
}

// Available reports whether a compose binary was found at startup.
func (c *Compose) Available() bool {
	return c.compose != nil
}

// ContainerName returns the runtime unit name for a bot.
func (c *Compose) ContainerName(bot string) string {
	return c.prefix + "-" + bot
}

// run executes one engine command with a deadline and converts failures
// into ErrTimeout or *CommandError.
func (c *Compose) run(ctx context.Context, verb, dir string, timeout time.Duration, name string, args ...string) (stdout, stderr string, err error) {
	if !c.Available() {
		return "", "", ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "engine."+verb,
		trace.WithAttributes(attribute.String("engine.verb", verb)))
	defer span.End()

	stdout, stderr, err = c.runner.Run(ctx, dir, name, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return "", "", fmt.Errorf("%s: %w", verb, ErrTimeout)
			}
			// Parent cancellation is not a command failure.
			return "", "", fmt.Errorf("%s: %w", verb, ctxErr)
		}
		var exitErr *exec.ExitError
		code := -1
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		cmdErr := &CommandError{Verb: verb, ExitCode: code, Stderr: strings.TrimSpace(stderr)}
		span.RecordError(cmdErr)
		return stdout, stderr, cmdErr
	}
	return stdout, stderr, nil
}

// composeVerb runs a compose subcommand inside a bot directory.
func (c *Compose) composeVerb(ctx context.Context, verb, dir string, extra ...string) error {
	if !c.Available() {
		return ErrUnavailable
	}
	args := append(append([]string{}, c.compose[1:]...), verb)
	args = append(args, extra...)
	_, _, err := c.run(ctx, verb, dir, c.launchTimeout, c.compose[0], args...)
	return err
}

// Up converges the unit described by dir's compose file to running. The
// verb is idempotent: an already-running unit is left as is.
func (c *Compose) Up(ctx context.Context, dir string) error {
	return c.composeVerb(ctx, "up", dir, "-d")
}

func (c *Compose) Stop(ctx context.Context, dir string) error {
	return c.composeVerb(ctx, "stop", dir)
}

func (c *Compose) Restart(ctx context.Context, dir string) error {
	return c.composeVerb(ctx, "restart", dir)
}

// Down tears the unit down; withVolumes also removes its anonymous volumes.
func (c *Compose) Down(ctx context.Context, dir string, withVolumes bool) error {
	if withVolumes {
		return c.composeVerb(ctx, "down", dir, "-v")
	}
	return c.composeVerb(ctx, "down", dir)
}

// RemoveContainer force-removes the runtime unit directly. Used by destroy
// as a belt-and-braces step after Down; an already-absent unit is fine.
func (c *Compose) RemoveContainer(ctx context.Context, bot string) error {
	_, _, err := c.run(ctx, "rm", "", c.launchTimeout,
		"docker", "rm", "-f", c.ContainerName(bot))
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "No such container") {
		return nil
	}
	return err
}

// Logs tails the unit's output stream, bounded by lines and by the logs
// deadline. Containers interleave stdout and stderr; both are returned.
func (c *Compose) Logs(ctx context.Context, bot string, lines int) (string, error) {
	stdout, stderr, err := c.run(ctx, "logs", "", c.logsTimeout,
		"docker", "logs", c.ContainerName(bot), "--tail", fmt.Sprintf("%d", lines))
	if err != nil {
		return "", err
	}
	return stdout + stderr, nil
}
