package forge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ShellCommand is a single shell-interpreted command line.
type ShellCommand struct {
	Command string
	Dir     string    // working directory; empty means the current one
	Stdout  io.Writer // nil inherits os.Stdout
	Stderr  io.Writer // nil inherits os.Stderr
	Env     []string  // nil inherits the process environment
}

// Runner executes shell commands. A non-zero exit code is reported through
// the int result with a nil error; the error is reserved for commands that
// could not be started or were cancelled.
type Runner interface {
	RunShell(ctx context.Context, c ShellCommand) (int, error)
}

// Executor provides a consistent interface for executing commands,
// abstracting away the privilege escalation (sudo) logic.
type Executor struct {
	ShouldRunAsRoot   bool // ShouldRunAsRoot specifies whether the command MUST be executed with root privileges.
	ApplyIdlePriority bool // Apply nice -n 19 to this specific command
	Interactive       bool // Interactive indicates whether the command may prompt the user
}

// NewExecutor returns an unprivileged executor.
func NewExecutor() *Executor {
	return &Executor{}
}

// runInteractiveCommand executes a command attached to the TTY. It does not
// use process group isolation, so `sudo -v` can prompt for a password.
func runInteractiveCommand(ctx context.Context, name string, arg ...string) error {
	cmd := exec.CommandContext(ctx, name, arg...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// ensureSudo checks if the sudo ticket is still valid and re-prompts if necessary.
// No action needed if we are already root or the command doesn't require root.
func (e *Executor) ensureSudo(ctx context.Context) error {
	if os.Geteuid() == 0 || !e.ShouldRunAsRoot {
		return nil
	}
	checkCmd := exec.CommandContext(ctx, "sudo", "-nv")
	checkCmd.Stdout = io.Discard
	checkCmd.Stderr = io.Discard
	if err := checkCmd.Run(); err == nil {
		return nil
	}

	colArrow.Print("-> ")
	colSuccess.Println("Sudo ticket has expired. Re-authenticating")
	if err := runInteractiveCommand(ctx, "sudo", "-v"); err != nil {
		return fmt.Errorf("sudo re-authentication failed: %w", err)
	}
	return nil
}

// argv returns the command line of cmd with the nice and sudo wrappers
// this executor calls for.
func (e *Executor) argv(cmd *exec.Cmd) []string {
	args := append([]string{cmd.Path}, cmd.Args[1:]...)
	if e.ApplyIdlePriority {
		args = append([]string{"nice", "-n", "19"}, args...)
	}
	if e.ShouldRunAsRoot && os.Geteuid() != 0 {
		args = append([]string{"sudo", "-E"}, args...)
	}
	return args
}

// Run executes cmd, elevated through sudo -E when root is required. Nil
// stdio streams inherit the process ones. Non-interactive commands get
// their own process group, which is killed as a whole when ctx ends.
func (e *Executor) Run(ctx context.Context, cmd *exec.Cmd) error {
	if err := e.ensureSudo(ctx); err != nil {
		return err
	}

	args := e.argv(cmd)
	run := exec.CommandContext(ctx, args[0], args[1:]...)
	run.Dir = cmd.Dir
	run.Env = cmd.Env
	run.Stdin, run.Stdout, run.Stderr = os.Stdin, os.Stdout, os.Stderr
	if cmd.Stdin != nil {
		run.Stdin = cmd.Stdin
	}
	if cmd.Stdout != nil {
		run.Stdout = cmd.Stdout
	}
	if cmd.Stderr != nil {
		run.Stderr = cmd.Stderr
	}
	if !e.Interactive {
		run.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		run.Cancel = func() error {
			return syscall.Kill(-run.Process.Pid, syscall.SIGKILL)
		}
	}
	run.WaitDelay = time.Second

	if err := run.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("command aborted: %w", ctx.Err())
		}
		return err
	}
	return nil
}

// RunShell runs c through /bin/sh -c and returns its exit code.
func (e *Executor) RunShell(ctx context.Context, c ShellCommand) (int, error) {
	cmd := exec.Command("/bin/sh", "-c", c.Command)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	// Non-interactive commands never read from the terminal.
	if !e.Interactive {
		cmd.Stdin = devNull{}
	}

	err := e.Run(ctx, cmd)
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// devNull is an empty stdin.
type devNull struct{}

func (devNull) Read([]byte) (int, error) { return 0, io.EOF }
