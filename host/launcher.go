package host

import (
	"context"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/nexabus/nexabus/errors"
	"github.com/nexabus/nexabus/ipc"
	"github.com/nexabus/nexabus/logging"
)

// LaunchSpec identifies the child to start.
type LaunchSpec struct {
	PluginID string
	Entry    string
}

// Process is the host's handle on a running child.
type Process interface {
	// Wait blocks until exit; nil means exit code 0.
	Wait() error
	Terminate() error
	Kill() error
}

// Launcher spawns a child and returns its command channel.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (ipc.Conn, Process, error)
}

// ExecLauncher re-executes the current binary with the child subcommand.
// Plugins are compiled into the binary and selected by entry name, so host
// and child always share one build.
type ExecLauncher struct {
	// Binary overrides the executable path; empty means os.Executable().
	Binary string
	// ConfigFile is passed through so the child loads the same settings.
	ConfigFile string
	// MaxFrameBytes bounds stdio frames; zero selects the ipc default.
	MaxFrameBytes int
	// Stderr receives the child's stderr; nil inherits the host's.
	Stderr io.Writer
	Logger logging.Logger
}

func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (ipc.Conn, Process, error) {
	binary := l.Binary
	if binary == "" {
		path, err := os.Executable()
		if err != nil {
			return nil, nil, errors.WrapWithType(err, errors.ErrorTypeInternal,
				"resolving host executable")
		}
		binary = path
	}

	args := []string{"child", "--plugin-id", spec.PluginID, "--entry", spec.Entry}
	if l.ConfigFile != "" {
		args = append(args, "--config", l.ConfigFile)
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = os.Environ()
	if l.Stderr != nil {
		cmd.Stderr = l.Stderr
	} else {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, errors.WrapWithType(err, errors.ErrorTypeCommunication, "opening child stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, errors.WrapWithType(err, errors.ErrorTypeCommunication, "opening child stdout")
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, errors.WrapWithType(err, errors.ErrorTypeCommunication,
			"starting plugin child "+spec.PluginID)
	}

	conn := ipc.NewStreamConn(stdout, stdin, stdin, l.MaxFrameBytes)
	return conn, &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
