package cgi

import (
	"errors"
	"fmt"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/searchktools/webserv/core/http"
	"github.com/searchktools/webserv/core/router"
)

// ErrNotExecutable is returned when the interpreter cannot be run.
var ErrNotExecutable = errors.New("cgi: interpreter is not executable")

// Command describes a child to start.
type Command struct {
	Path string
	// Args is the full argument vector, including argv[0].
	Args []string
	Env  []string
	Dir  string
}

// NewCommand prepares the interpreter invocation for script.
func NewCommand(script *router.Script, req *http.Request, software string) Command {
	return Command{
		Path: script.Interpreter.Path,
		Args: append([]string{script.Interpreter.Path}, script.Args()...),
		Env:  Env(script, req, software),
		Dir:  filepath.Dir(script.File),
	}
}

// Child is a started script. Stdout is the parent's read end of the
// child's standard output and Stdin the write end of its standard input;
// both are non-blocking and close-on-exec.
type Child struct {
	Pid    int
	Stdin  int
	Stdout int
}

// Start fork-execs cmd with its standard input and output connected to
// fresh pipes. Standard error is inherited.
func Start(cmd Command) (*Child, error) {
	if err := unix.Access(cmd.Path, unix.X_OK); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotExecutable, cmd.Path, err)
	}

	var stdin, stdout [2]int
	if err := unix.Pipe2(stdin[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("cgi: stdin pipe: %w", err)
	}
	if err := unix.Pipe2(stdout[:], unix.O_CLOEXEC); err != nil {
		closeAll(stdin[0], stdin[1])
		return nil, fmt.Errorf("cgi: stdout pipe: %w", err)
	}

	pid, err := syscall.ForkExec(cmd.Path, cmd.Args, &syscall.ProcAttr{
		Dir:   cmd.Dir,
		Env:   cmd.Env,
		Files: []uintptr{uintptr(stdin[0]), uintptr(stdout[1]), 2},
	})
	unix.Close(stdin[0])
	unix.Close(stdout[1])
	if err != nil {
		closeAll(stdin[1], stdout[0])
		return nil, fmt.Errorf("cgi: exec %s: %w", cmd.Path, err)
	}

	for _, fd := range []int{stdin[1], stdout[0]} {
		if err := unix.SetNonblock(fd, true); err != nil {
			closeAll(stdin[1], stdout[0])
			Abort(pid)
			return nil, fmt.Errorf("cgi: set nonblock: %w", err)
		}
	}
	return &Child{Pid: pid, Stdin: stdin[1], Stdout: stdout[0]}, nil
}

// Abort kills pid and reaps it. Only for children that were never handed
// to the engine.
func Abort(pid int) {
	unix.Kill(pid, unix.SIGKILL)
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if err != unix.EINTR {
			return
		}
	}
}

func closeAll(fds ...int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
