package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// DefaultTokenEnv is the environment variable that carries the bearer
// token to a stdio peer.
const DefaultTokenEnv = "TETHER_TOKEN"

// StdioDialer starts the peer as a subprocess and speaks
// newline-delimited frames over its stdin and stdout. Every Dial starts
// a fresh process; closing the Conn terminates it.
type StdioDialer struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"), appended to the current environment.
	Env []string

	// TokenEnv names the variable the token is passed in (default TETHER_TOKEN).
	TokenEnv string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// Dial implements Dialer. The subprocess lifecycle is independent of
// ctx once started; ctx only bounds the start itself.
func (d *StdioDialer) Dial(ctx context.Context, token string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tokenEnv := d.TokenEnv
	if tokenEnv == "" {
		tokenEnv = DefaultTokenEnv
	}

	logger.Info("starting peer subprocess",
		"command", d.Command,
		"args", d.Args,
	)

	cmd := exec.Command(d.Command, d.Args...)
	cmd.Env = append(os.Environ(), d.Env...)
	cmd.Env = append(cmd.Env, tokenEnv+"="+token)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	// stderr is diagnostics only, never protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return nil, fmt.Errorf("start subprocess %s: %w", d.Command, err)
	}

	c := &stdioConn{
		cmd:    cmd,
		stdin:  stdin,
		reader: bufio.NewReaderSize(stdout, 1<<20),
		done:   make(chan struct{}),
		logger: logger.With("pid", cmd.Process.Pid),
	}
	go c.drainStderr(stderrPipe)

	c.logger.Info("peer subprocess started")
	return c, nil
}

type stdioConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *stdioConn) ReadFrame() ([]byte, error) {
	for {
		line, err := c.reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			return line, nil
		}
		if err != nil {
			select {
			case <-c.done:
				return nil, ErrClosed
			default:
			}
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("read from subprocess stdout: %w", io.ErrUnexpectedEOF)
			}
			return nil, fmt.Errorf("read from subprocess stdout: %w", err)
		}
	}
}

func (c *stdioConn) WriteFrame(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	if _, err := c.stdin.Write(buf); err != nil {
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

// Close closes stdin to ask the subprocess to exit, then kills it if it
// has not exited within five seconds.
func (c *stdioConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.logger.Info("stopping peer subprocess")

		c.writeMu.Lock()
		c.stdin.Close()
		c.writeMu.Unlock()

		exited := make(chan error, 1)
		go func() { exited <- c.cmd.Wait() }()

		select {
		case err = <-exited:
		case <-time.After(5 * time.Second):
			c.logger.Warn("peer subprocess did not exit gracefully, killing")
			_ = c.cmd.Process.Kill()
			<-exited
		}
	})
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// drainStderr reads stderr lines and logs them at debug level.
func (c *stdioConn) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		c.logger.Debug("peer subprocess stderr", "line", scanner.Text())
	}
}
