package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/spinelabs/spine/internal/config"
	"github.com/spinelabs/spine/internal/errkind"
)

// promptPattern recognizes the first CLI prompt after login: a short
// non-blank token ending in # or > alone on the last line.
var promptPattern = regexp.MustCompile(`(?m)^[^\s]{1,64}[#>]\s*$`)

// shellConn drives a legacy interactive CLI: one pty shell for the whole
// conversation, commands serialized onto it, output read until the prompt
// detected at login reappears.
type shellConn struct {
	client   *ssh.Client
	session  *ssh.Session
	stdin    io.WriteCloser
	output   *shellBuffer
	prompt   string
	log      *slog.Logger
	timeouts config.SSHTimeouts

	mu sync.Mutex
}

// newShellConn opens the shell, waits for the device prompt, and disables
// output paging. A login that never shows a recognizable prompt is a
// parse_of_prompt_failed.
func newShellConn(ctx context.Context, client *ssh.Client, dialect Dialect, log *slog.Logger, timeouts config.SSHTimeouts) (*shellConn, error) {
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, errkind.Wrap(errkind.Unreachable, fmt.Errorf("open shell session: %w", err))
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 115200,
		ssh.TTY_OP_OSPEED: 115200,
	}
	if err := session.RequestPty("vt100", 80, 511, modes); err != nil {
		session.Close()
		client.Close()
		return nil, errkind.Wrap(errkind.Unreachable, fmt.Errorf("request pty: %w", err))
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, errkind.Wrap(errkind.Unreachable, fmt.Errorf("open stdin: %w", err))
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, errkind.Wrap(errkind.Unreachable, fmt.Errorf("open stdout: %w", err))
	}

	output := newShellBuffer()
	go output.consume(stdout)

	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return nil, errkind.Wrap(errkind.Unreachable, fmt.Errorf("start shell: %w", err))
	}

	c := &shellConn{
		client:   client,
		session:  session,
		stdin:    stdin,
		output:   output,
		log:      log,
		timeouts: timeouts,
	}

	prompt, err := c.detectPrompt(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.prompt = prompt

	for _, cmd := range dialect.DisablePaging {
		if res := c.Run(ctx, cmd); !res.OK() {
			c.log.Warn("disable paging command failed", "command", cmd, "kind", res.Kind, "error", res.Err)
		}
	}
	return c, nil
}

func (c *shellConn) Close() error {
	c.session.Close()
	return c.client.Close()
}

// detectPrompt waits for the device to finish its login banner and print a
// prompt. The literal prompt line becomes the end-of-output marker for every
// subsequent command.
func (c *shellConn) detectPrompt(ctx context.Context) (string, error) {
	deadline := time.Now().Add(c.timeouts.Read)
	for {
		if m := promptPattern.FindAllString(c.output.String(), -1); len(m) > 0 {
			prompt := strings.TrimSpace(m[len(m)-1])
			c.output.Reset()
			return prompt, nil
		}
		if time.Now().After(deadline) {
			return "", errkind.New(errkind.PromptParseFailed,
				"no CLI prompt within %s of login (last output %q)",
				c.timeouts.Read, tail(c.output.String(), 120))
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return "", ctx.Err()
			}
			return "", errkind.Wrap(errkind.Timeout, ctx.Err())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Run writes one command to the shell and reads until the prompt returns.
// Commands on the same shell are serialized; Read bounds output inactivity
// and Session bounds total wall time, as in exec mode.
func (c *shellConn) Run(ctx context.Context, command string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	result := func(output string, kind errkind.Kind, err error) Result {
		return Result{
			Command:  command,
			Output:   output,
			Kind:     kind,
			Err:      err,
			Duration: time.Since(start),
		}
	}

	c.output.Reset()
	if _, err := c.stdin.Write([]byte(command + "\n")); err != nil {
		return result("", errkind.Unreachable, fmt.Errorf("write %q: %w", command, err))
	}

	sessionDeadline := start.Add(c.timeouts.Session)
	for {
		raw := c.output.String()
		if out, done := c.clipAtPrompt(raw, command); done {
			return result(out, "", nil)
		}

		now := time.Now()
		switch {
		case ctx.Err() != nil:
			if errors.Is(ctx.Err(), context.Canceled) {
				return result(c.clean(raw, command), "", ctx.Err())
			}
			return result(c.clean(raw, command), errkind.Timeout,
				fmt.Errorf("%q exceeded the overall deadline: %w", command, ctx.Err()))
		case now.After(sessionDeadline):
			return result(c.clean(raw, command), errkind.Timeout,
				fmt.Errorf("%q still running after %s", command, c.timeouts.Session))
		case now.Sub(c.output.lastActivity()) > c.timeouts.Read:
			return result(c.clean(raw, command), errkind.Timeout,
				fmt.Errorf("%q produced no output for %s", command, c.timeouts.Read))
		}

		select {
		case <-ctx.Done():
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// clipAtPrompt reports whether the buffer ends at the device prompt and, if
// so, returns the cleaned command output before it.
func (c *shellConn) clipAtPrompt(raw, command string) (string, bool) {
	trimmed := strings.TrimRight(raw, " \t")
	if !strings.HasSuffix(strings.TrimSpace(trimmed), c.prompt) {
		return "", false
	}
	idx := strings.LastIndex(trimmed, c.prompt)
	return c.clean(trimmed[:idx], command), true
}

// clean strips the echoed command line and pty line endings from output.
func (c *shellConn) clean(raw, command string) string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")
	lines := strings.Split(raw, "\n")
	for len(lines) > 0 {
		first := strings.TrimSpace(lines[0])
		if first == "" || first == command || first == c.prompt+" "+command {
			lines = lines[1:]
			continue
		}
		break
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n") + "\n"
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// shellBuffer accumulates shell output from the reader goroutine.
type shellBuffer struct {
	mu   sync.Mutex
	data []byte
	last time.Time
}

func newShellBuffer() *shellBuffer {
	return &shellBuffer{last: time.Now()}
}

func (b *shellBuffer) consume(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b.mu.Lock()
			b.data = append(b.data, buf[:n]...)
			b.last = time.Now()
			b.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (b *shellBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

func (b *shellBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = b.data[:0]
	b.last = time.Now()
}

func (b *shellBuffer) lastActivity() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}
