package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/spinelabs/spine/internal/config"
	"github.com/spinelabs/spine/internal/errkind"
)

const outputWatchInterval = 100 * time.Millisecond

type deviceConn struct {
	client   *ssh.Client
	log      *slog.Logger
	timeouts config.SSHTimeouts
}

func (c *deviceConn) Close() error {
	return c.client.Close()
}

// Run executes one command in a fresh session. Blocking bounds the session
// open, Read bounds output inactivity, Session bounds total command wall
// time. On any expiry the remote process is killed and the partial output
// is returned with a timeout classification.
func (c *deviceConn) Run(ctx context.Context, command string) Result {
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

	session, err := c.newSession(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return result("", "", err)
		}
		return result("", errkind.Of(err), err)
	}
	defer session.Close()

	output := &activityBuffer{last: start}
	session.Stdout = output
	session.Stderr = output

	if err := session.Start(command); err != nil {
		// The transport survived but the server refused the exec request;
		// platforms without exec support reject here.
		if strings.Contains(err.Error(), "ssh: command") {
			return result("", errkind.CommandUnsupported, fmt.Errorf("exec refused for %q: %w", command, err))
		}
		return result("", errkind.Unreachable, fmt.Errorf("start %q: %w", command, err))
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	kill := func() {
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
	}

	sessionTimer := time.NewTimer(c.timeouts.Session)
	defer sessionTimer.Stop()
	watch := time.NewTicker(outputWatchInterval)
	defer watch.Stop()

	for {
		select {
		case err := <-done:
			return c.finish(result, output, command, err)

		case <-ctx.Done():
			kill()
			if errors.Is(ctx.Err(), context.Canceled) {
				return result(output.String(), "", ctx.Err())
			}
			return result(output.String(), errkind.Timeout,
				fmt.Errorf("%q exceeded the overall deadline: %w", command, ctx.Err()))

		case <-sessionTimer.C:
			kill()
			return result(output.String(), errkind.Timeout,
				fmt.Errorf("%q still running after %s", command, c.timeouts.Session))

		case <-watch.C:
			if idle := time.Since(output.lastActivity()); idle > c.timeouts.Read {
				kill()
				return result(output.String(), errkind.Timeout,
					fmt.Errorf("%q produced no output for %s", command, c.timeouts.Read))
			}
		}
	}
}

func (c *deviceConn) finish(result func(string, errkind.Kind, error) Result, output *activityBuffer, command string, err error) Result {
	if err == nil {
		return result(output.String(), "", nil)
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		// Show commands on broken dialects exit nonzero but still print
		// diagnostics; let the parse stage judge the output.
		c.log.Warn("command exited nonzero", "command", command, "status", exitErr.ExitStatus())
		return result(output.String(), "", nil)
	}

	var missingErr *ssh.ExitMissingError
	if errors.As(err, &missingErr) {
		return result(output.String(), errkind.Unreachable,
			fmt.Errorf("connection dropped during %q: %w", command, err))
	}
	return result(output.String(), errkind.Unreachable, fmt.Errorf("wait for %q: %w", command, err))
}

// newSession opens an SSH session, bounded by the Blocking timeout. Channel
// opens hang indefinitely against overloaded control planes.
func (c *deviceConn) newSession(ctx context.Context) (*ssh.Session, error) {
	type opened struct {
		session *ssh.Session
		err     error
	}
	ch := make(chan opened, 1)
	go func() {
		session, err := c.client.NewSession()
		ch <- opened{session, err}
	}()

	timer := time.NewTimer(c.timeouts.Blocking)
	defer timer.Stop()

	select {
	case o := <-ch:
		if o.err != nil {
			return nil, errkind.Wrap(errkind.Unreachable, fmt.Errorf("open session: %w", o.err))
		}
		return o.session, nil
	case <-timer.C:
		go func() {
			if o := <-ch; o.session != nil {
				o.session.Close()
			}
		}()
		return nil, errkind.New(errkind.Timeout, "session open blocked for %s", c.timeouts.Blocking)
	case <-ctx.Done():
		go func() {
			if o := <-ch; o.session != nil {
				o.session.Close()
			}
		}()
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, errkind.Wrap(errkind.Timeout, ctx.Err())
	}
}

// activityBuffer records when output last arrived so Run can detect a
// stalled command without capping total runtime.
type activityBuffer struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	last time.Time
}

func (b *activityBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = time.Now()
	return b.buf.Write(p)
}

func (b *activityBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *activityBuffer) lastActivity() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}
