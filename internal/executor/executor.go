// Package executor runs device commands through the full pipeline: resolve
// the device, resolve the caller's credentials, consult the blob cache,
// execute over SSH, parse, then write both caches. It is the only component
// that writes the blob and topology caches; discovery, baselines, and the
// API obtain records exclusively through it and never re-cache them.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/spinelabs/spine/internal/config"
	"github.com/spinelabs/spine/internal/connector"
	"github.com/spinelabs/spine/internal/credstore"
	"github.com/spinelabs/spine/internal/errkind"
	"github.com/spinelabs/spine/internal/inventory"
	"github.com/spinelabs/spine/internal/metrics"
	"github.com/spinelabs/spine/internal/netstate"
	"github.com/spinelabs/spine/internal/parser"
)

// Tunables is the executor's view of runtime-tunable settings.
type Tunables interface {
	BlobTTL(ctx context.Context, command string) time.Duration
	SSHTimeouts(ctx context.Context) config.SSHTimeouts
}

// Credentials resolves a named credential scoped to its owner.
type Credentials interface {
	Get(ctx context.Context, owner, name string) (*credstore.Credential, error)
}

type Config struct {
	Logger    *slog.Logger
	Inventory inventory.Source
	Creds     Credentials
	Dialer    connector.Dialer
	Parser    *parser.Registry
	Blobs     *netstate.BlobCache
	Topo      netstate.TopoStore
	Tunables  Tunables
	Clock     clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Inventory == nil {
		return errors.New("inventory source is required")
	}
	if c.Creds == nil {
		return errors.New("credential source is required")
	}
	if c.Dialer == nil {
		return errors.New("dialer is required")
	}
	if c.Parser == nil {
		return errors.New("parser registry is required")
	}
	if c.Blobs == nil {
		return errors.New("blob cache is required")
	}
	if c.Topo == nil {
		return errors.New("topology store is required")
	}
	if c.Tunables == nil {
		return errors.New("tunables source is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Options selects per-invocation behavior. Username scopes credential
// resolution and is required; UseCache short-circuits on a valid blob.
type Options struct {
	Username string
	UseCache bool
}

// DefaultOptions enables the cache, the normal mode for catalog commands.
func DefaultOptions(username string) Options {
	return Options{Username: username, UseCache: true}
}

// CommandResult is the outcome of one command on one device. The executor
// never returns an error: failures are carried in the result so discovery
// can aggregate them per device without unwinding.
type CommandResult struct {
	DeviceID      string          `json:"device_id"`
	DeviceName    string          `json:"device_name,omitempty"`
	Command       string          `json:"command"`
	Success       bool            `json:"success"`
	FromCache     bool            `json:"from_cache"`
	Records       []parser.Record `json:"records,omitempty"`
	RecordCount   int             `json:"record_count"`
	ParserUsed    string          `json:"parser_used,omitempty"`
	ExecutionTime float64         `json:"execution_time"`
	ErrorKind     errkind.Kind    `json:"error_kind,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// failedParse is the blob payload written when output could not be parsed.
// The raw text is kept as evidence that the device was queried; within TTL
// the cached failure is served instead of re-querying the device.
type failedParse struct {
	ParseFailed bool   `json:"parse_failed"`
	RawOutput   string `json:"raw_output"`
}

type Executor struct {
	cfg   *Config
	log   *slog.Logger
	clock clockwork.Clock
}

func New(cfg *Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{cfg: cfg, log: cfg.Logger, clock: cfg.Clock}, nil
}

// Run executes one command on one device.
func (e *Executor) Run(ctx context.Context, deviceID, command string, opts Options) CommandResult {
	results := e.Batch(ctx, deviceID, []string{command}, opts, nil)
	return results[0]
}

// Batch executes commands in order on a single device connection. The
// connection is dialed lazily on the first cache miss; commands satisfied
// from the cache never touch the device. A dial failure fails every
// remaining command with the dial's kind instead of redialing per command.
// fn, when non-nil, observes each result; returning false stops the batch
// between commands (results for unexecuted commands are not emitted).
func (e *Executor) Batch(ctx context.Context, deviceID string, commands []string, opts Options, fn func(CommandResult) bool) []CommandResult {
	results := make([]CommandResult, 0, len(commands))

	emit := func(r CommandResult) bool {
		results = append(results, r)
		label := "success"
		switch {
		case r.FromCache:
			label = "cached"
		case !r.Success:
			label = r.ErrorKind.String()
		}
		metrics.Commands.WithLabelValues(r.Command, label).Inc()
		if fn != nil {
			return fn(r)
		}
		return true
	}

	device, creds, err := e.resolve(ctx, deviceID, opts)
	if err != nil {
		for _, command := range commands {
			if !emit(e.failed(deviceID, "", command, 0, err)) {
				break
			}
		}
		return results
	}

	var (
		conn    connector.Conn
		dialErr error
	)
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for _, command := range commands {
		start := e.clock.Now()

		if opts.UseCache {
			if r, ok := e.fromCache(ctx, device, command); ok {
				if !emit(r) {
					return results
				}
				continue
			}
			metrics.CacheMisses.Inc()
		}

		if conn == nil && dialErr == nil {
			conn, dialErr = e.dial(ctx, device, creds)
		}
		if dialErr != nil {
			if !emit(e.failed(device.ID, device.Name, command, e.clock.Since(start), dialErr)) {
				return results
			}
			continue
		}

		if !emit(e.execute(ctx, conn, device, command, start)) {
			return results
		}
	}
	return results
}

// resolve finds the device and the caller's credentials. Failures here are
// device-level: every command of the batch fails identically.
func (e *Executor) resolve(ctx context.Context, deviceID string, opts Options) (*inventory.Device, *credstore.Credential, error) {
	if opts.Username == "" {
		return nil, nil, errkind.New(errkind.MissingCredentials, "no username to resolve credentials for")
	}

	device, err := e.cfg.Inventory.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.DeviceNotFound, err)
	}

	creds, err := e.cfg.Creds.Get(ctx, opts.Username, device.SecretGroup)
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.MissingCredentials, err)
	}
	return device, creds, nil
}

// fromCache serves a valid blob without touching the device. A blob whose
// payload is a recorded parse failure is served as that failure; corrupt
// payloads are treated as a miss.
func (e *Executor) fromCache(ctx context.Context, device *inventory.Device, command string) (CommandResult, bool) {
	blob, ok, err := e.cfg.Blobs.GetValid(ctx, device.ID, command)
	if err != nil {
		e.log.Warn("blob cache read failed, executing against the device",
			"device", device.ID, "command", command, "error", err)
		return CommandResult{}, false
	}
	if !ok {
		return CommandResult{}, false
	}

	r := CommandResult{
		DeviceID:   device.ID,
		DeviceName: device.Name,
		Command:    command,
		FromCache:  true,
	}

	var records []parser.Record
	if err := json.Unmarshal(blob.Payload, &records); err == nil {
		metrics.CacheHits.Inc()
		r.Success = true
		r.Records = records
		r.RecordCount = len(records)
		return r, true
	}

	var failed failedParse
	if err := json.Unmarshal(blob.Payload, &failed); err == nil && failed.ParseFailed {
		metrics.CacheHits.Inc()
		r.ErrorKind = errkind.ParseFailed
		r.Error = "cached output could not be parsed"
		return r, true
	}

	e.log.Warn("blob payload is not decodable, treating as a miss",
		"device", device.ID, "command", command)
	return CommandResult{}, false
}

func (e *Executor) dial(ctx context.Context, device *inventory.Device, creds *credstore.Credential) (connector.Conn, error) {
	target := connector.Target{
		DeviceName: device.Name,
		Host:       device.PrimaryIP,
		Platform:   device.Driver,
		Username:   creds.Username,
		Password:   creds.Password,
	}
	return e.cfg.Dialer.Dial(ctx, target, e.cfg.Tunables.SSHTimeouts(ctx))
}

// execute runs one command live and writes the caches. The blob write and
// the typed replace are independent: a typed failure never rolls back the
// blob, and neither failure turns a successful command into an error.
func (e *Executor) execute(ctx context.Context, conn connector.Conn, device *inventory.Device, command string, start time.Time) CommandResult {
	timeouts := e.cfg.Tunables.SSHTimeouts(ctx)
	cmdCtx := ctx
	if timeouts.Overall > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, timeouts.Overall)
		defer cancel()
	}

	out := conn.Run(cmdCtx, command)
	metrics.CommandDuration.WithLabelValues(command).Observe(out.Duration.Seconds())
	if !out.OK() {
		kind := out.Kind
		if kind == "" {
			kind = errkind.Timeout
		}
		return e.failed(device.ID, device.Name, command, e.clock.Since(start), errkind.Wrap(kind, out.Err))
	}
	if parser.LooksLikeCLIError(out.Output) {
		return e.failed(device.ID, device.Name, command, e.clock.Since(start),
			errkind.New(errkind.CommandUnsupported, "device rejected %q", command))
	}

	records, parserUsed, err := e.cfg.Parser.Parse(device.Driver, command, out.Output)
	if err != nil {
		metrics.ParseFailures.WithLabelValues(command).Inc()
		e.writeFailedBlob(ctx, device.ID, command, out.Output)
		return e.failed(device.ID, device.Name, command, e.clock.Since(start), errkind.Wrap(errkind.ParseFailed, err))
	}
	if records == nil {
		// An empty table is a valid answer; the blob records it as [].
		records = []parser.Record{}
	}

	payload, err := json.Marshal(records)
	if err != nil {
		// Records are maps of strings; this does not happen outside of a
		// template bug. Treat it as a parse failure so the evidence is kept.
		metrics.ParseFailures.WithLabelValues(command).Inc()
		e.writeFailedBlob(ctx, device.ID, command, out.Output)
		return e.failed(device.ID, device.Name, command, e.clock.Since(start), errkind.Wrap(errkind.ParseFailed, err))
	}
	if err := e.cfg.Blobs.Set(ctx, device.ID, command, payload); err != nil {
		e.log.Warn("blob cache write failed, command result is returned uncached",
			"device", device.ID, "command", command, "error", err)
	}

	if entry, ok := parser.LookupCommand(command); ok {
		set := parser.ExtractTyped(e.log, device.ID, entry.Kind, records)
		e.replaceTyped(ctx, device, command, set)
	}

	return CommandResult{
		DeviceID:      device.ID,
		DeviceName:    device.Name,
		Command:       command,
		Success:       true,
		Records:       records,
		RecordCount:   len(records),
		ParserUsed:    parserUsed,
		ExecutionTime: e.clock.Since(start).Seconds(),
	}
}

func (e *Executor) writeFailedBlob(ctx context.Context, deviceID, command, raw string) {
	payload, err := json.Marshal(failedParse{ParseFailed: true, RawOutput: raw})
	if err != nil {
		return
	}
	if err := e.cfg.Blobs.Set(ctx, deviceID, command, payload); err != nil {
		e.log.Warn("failed to record parse failure in the blob cache",
			"device", deviceID, "command", command, "error", err)
	}
}

// replaceTyped bulk-replaces the command's typed tables. A uniqueness
// conflict from a concurrent replace is retried once; anything further is
// logged and the prior typed state stands, with the blob as the durable
// record of the answer.
func (e *Executor) replaceTyped(ctx context.Context, device *inventory.Device, command string, set *netstate.TypedSet) {
	now := e.clock.Now().UTC()
	meta := netstate.DeviceMeta{
		ID:              device.ID,
		Name:            device.Name,
		PrimaryIP:       device.PrimaryIP,
		Platform:        device.Platform,
		LastUpdated:     now,
		CacheValidUntil: now.Add(e.cfg.Tunables.BlobTTL(ctx, command)),
		PollingEnabled:  true,
	}

	op := func() error {
		err := e.cfg.Topo.Replace(ctx, meta, set)
		if err == nil {
			return nil
		}
		if errors.Is(err, netstate.ErrReplaceConflict) {
			metrics.ReplaceConflicts.Inc()
			return err
		}
		return backoff.Permanent(err)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 1), ctx)); err != nil {
		e.log.Warn("typed cache replace failed, blob cache remains authoritative",
			"device", device.ID, "kind", set.Kind, "error", err)
	}
}

func (e *Executor) failed(deviceID, deviceName, command string, elapsed time.Duration, err error) CommandResult {
	kind := errkind.Of(err)
	e.log.Warn("command failed",
		"device", deviceID, "command", command, "kind", kind, "error", err)
	return CommandResult{
		DeviceID:      deviceID,
		DeviceName:    deviceName,
		Command:       command,
		ExecutionTime: elapsed.Seconds(),
		ErrorKind:     kind,
		Error:         err.Error(),
	}
}
