// Package discovery runs the command pipeline across device sets. Two paths
// share one result schema and one caching core: the foreground runner fans
// out per-device goroutines inside the calling process and returns the
// aggregate, and the queued path dispatches an orchestrator task that spawns
// one child task per device through the broker.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/spinelabs/spine/internal/broker"
	"github.com/spinelabs/spine/internal/errkind"
	"github.com/spinelabs/spine/internal/executor"
	"github.com/spinelabs/spine/internal/netstate"
	"github.com/spinelabs/spine/internal/parser"
)

// Task identifiers carried in broker messages and scheduler rows.
const (
	TaskDiscoverTopology     = "discover_topology"
	TaskDiscoverSingleDevice = "discover_single_device"
)

// MaxSyncDevices bounds the foreground path. The API refuses larger sets;
// anything bigger goes through the queue.
const MaxSyncDevices = 5

// Request selects devices and data kinds for one discovery. When no include
// flag is set the full catalog runs. RouteTypes narrows IncludeRoutes to a
// subset of static, ospf, bgp.
type Request struct {
	DeviceIDs         []string `json:"device_ids"`
	IncludeInterfaces bool     `json:"include_interfaces"`
	IncludeARP        bool     `json:"include_arp"`
	IncludeCDP        bool     `json:"include_cdp"`
	IncludeMAC        bool     `json:"include_mac"`
	IncludeRoutes     bool     `json:"include_routes"`
	RouteTypes        []string `json:"route_types,omitempty"`
	CacheResults      *bool    `json:"cache_results,omitempty"`
}

// Validate checks the request and normalizes it in place: device ids are
// deduplicated preserving order, route types are lowercased.
func (r *Request) Validate() error {
	if len(r.DeviceIDs) == 0 {
		return errors.New("device_ids is required")
	}
	seen := make(map[string]bool, len(r.DeviceIDs))
	ids := r.DeviceIDs[:0]
	for _, id := range r.DeviceIDs {
		if id == "" {
			return errors.New("device_ids must not contain empty ids")
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	r.DeviceIDs = ids
	for i, t := range r.RouteTypes {
		t = strings.ToLower(t)
		switch netstate.RouteType(t) {
		case netstate.RouteStatic, netstate.RouteOSPF, netstate.RouteBGP:
			r.RouteTypes[i] = t
		default:
			return fmt.Errorf("unknown route type %q", t)
		}
	}
	return nil
}

// UseCache reports whether cached blobs may satisfy commands. Unset means
// yes.
func (r *Request) UseCache() bool {
	return r.CacheResults == nil || *r.CacheResults
}

// Commands resolves the include flags to command strings in catalog
// execution order. No flags set means everything.
func (r *Request) Commands() []string {
	all := !r.IncludeInterfaces && !r.IncludeARP && !r.IncludeCDP && !r.IncludeMAC && !r.IncludeRoutes
	if all {
		return parser.Commands()
	}
	var out []string
	for _, e := range parser.Catalog {
		if r.wants(e) {
			out = append(out, e.Command)
		}
	}
	return out
}

func (r *Request) wants(e parser.CatalogEntry) bool {
	switch e.Kind {
	case netstate.KindInterfaces:
		return r.IncludeInterfaces
	case netstate.KindARP:
		return r.IncludeARP
	case netstate.KindCDP:
		return r.IncludeCDP
	case netstate.KindMAC:
		return r.IncludeMAC
	default:
		if !r.IncludeRoutes {
			return false
		}
		if len(r.RouteTypes) == 0 {
			return true
		}
		rt, ok := e.Kind.RouteType()
		return ok && slices.Contains(r.RouteTypes, string(rt))
	}
}

// DeviceResult is one device's outcome, shared by both paths. A device
// succeeds if at least one command did; a device with zero successes
// carries its first command failure as the device error.
type DeviceResult struct {
	DeviceID   string                   `json:"device_id"`
	DeviceName string                   `json:"device_name,omitempty"`
	Success    bool                     `json:"success"`
	Commands   []executor.CommandResult `json:"commands"`
	Error      string                   `json:"error,omitempty"`
	ErrorKind  errkind.Kind             `json:"error_kind,omitempty"`
}

// NewDeviceResult folds one device's command results into the per-device
// summary.
func NewDeviceResult(deviceID string, results []executor.CommandResult) DeviceResult {
	dr := DeviceResult{DeviceID: deviceID, Commands: results}
	if dr.Commands == nil {
		dr.Commands = []executor.CommandResult{}
	}
	for _, c := range results {
		if dr.DeviceName == "" && c.DeviceName != "" {
			dr.DeviceName = c.DeviceName
		}
		if c.Success {
			dr.Success = true
		}
	}
	if !dr.Success {
		for _, c := range results {
			if c.Error != "" {
				dr.Error = c.Error
				dr.ErrorKind = c.ErrorKind
				break
			}
		}
	}
	return dr
}

// Result is the job-level aggregate. Failed devices are listed in Errors
// keyed by device id; messages carry the error kind prefix.
type Result struct {
	TotalDevices int               `json:"total_devices"`
	Successful   int               `json:"successful"`
	Failed       int               `json:"failed"`
	Devices      []DeviceResult    `json:"devices"`
	Errors       map[string]string `json:"errors,omitempty"`
	Duration     float64           `json:"duration_seconds"`
}

// Aggregate folds per-device results into the job-level summary.
func Aggregate(devices []DeviceResult) Result {
	res := Result{TotalDevices: len(devices), Devices: devices}
	for _, d := range devices {
		if d.Success {
			res.Successful++
			continue
		}
		res.Failed++
		if res.Errors == nil {
			res.Errors = make(map[string]string)
		}
		msg := d.Error
		if msg == "" {
			msg = "device discovery failed"
		}
		res.Errors[d.DeviceID] = msg
	}
	return res
}

// Exec is the slice of the executor both paths consume: one device, a
// command sequence, one connection.
type Exec interface {
	Batch(ctx context.Context, deviceID string, commands []string, opts executor.Options, fn func(executor.CommandResult) bool) []executor.CommandResult
}

type RunnerConfig struct {
	Logger *slog.Logger
	Exec   Exec

	// MaxConcurrent bounds the per-device fan-out. Defaults to
	// MaxSyncDevices.
	MaxConcurrent int

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

func (c *RunnerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Exec == nil {
		return errors.New("exec is required")
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = MaxSyncDevices
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Runner is the foreground path: per-device goroutines inside the calling
// process, commands sequential within each device.
type Runner struct {
	log   *slog.Logger
	exec  Exec
	clock clockwork.Clock
	pool  pond.ResultPool[DeviceResult]
}

func NewRunner(cfg *RunnerConfig) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Runner{
		log:   cfg.Logger,
		exec:  cfg.Exec,
		clock: cfg.Clock,
		pool:  pond.NewResultPool[DeviceResult](cfg.MaxConcurrent),
	}, nil
}

// Run executes the selected commands on every device in the request and
// aggregates the outcomes. Per-device failures land in the result, never as
// an error: the aggregate is always structured.
func (r *Runner) Run(ctx context.Context, req Request, username string) Result {
	started := r.clock.Now()
	commands := req.Commands()
	opts := executor.DefaultOptions(username)
	opts.UseCache = req.UseCache()

	group := r.pool.NewGroupContext(ctx)
	for _, id := range req.DeviceIDs {
		id := id
		group.SubmitErr(func() (DeviceResult, error) {
			return r.RunDevice(ctx, id, commands, opts, nil), nil
		})
	}
	devices, err := group.Wait()
	if n := len(req.DeviceIDs) - len(devices); n > 0 {
		devices = append(devices, make([]DeviceResult, n)...)
	}
	if err != nil {
		// Cancellation leaves holes for devices that never ran.
		for i := range devices {
			if devices[i].DeviceID == "" {
				devices[i] = DeviceResult{
					DeviceID: req.DeviceIDs[i],
					Commands: []executor.CommandResult{},
					Error:    err.Error(),
				}
			}
		}
		r.log.Warn("discovery interrupted", "devices", len(req.DeviceIDs), "error", err)
	}

	res := Aggregate(devices)
	res.Duration = r.clock.Since(started).Seconds()
	r.log.Info("discovery finished",
		"devices", res.TotalDevices, "successful", res.Successful, "failed", res.Failed,
		"duration", res.Duration)
	return res
}

// RunDevice executes commands sequentially on one device over a single
// connection. After each command the optional observe hook receives the
// progress percent and the finished command; returning false stops before
// the next command. Cache rows already written stay, partial progress is
// valid observational data.
func (r *Runner) RunDevice(ctx context.Context, deviceID string, commands []string, opts executor.Options, observe func(pct int, res executor.CommandResult) bool) DeviceResult {
	i := 0
	results := r.exec.Batch(ctx, deviceID, commands, opts, func(res executor.CommandResult) bool {
		pct := progressAfter(commands, i)
		i++
		if observe != nil && !observe(pct, res) {
			return false
		}
		return ctx.Err() == nil
	})
	return NewDeviceResult(deviceID, results)
}

func kindGroup(command string) int {
	e, ok := parser.LookupCommand(command)
	if !ok {
		return -1
	}
	for gi, step := range parser.ProgressSteps {
		if slices.Contains(step, e.Kind) {
			return gi
		}
	}
	return -1
}

// progressAfter maps completion of commands[i] onto the catalog's kind
// groups, scaled to the selected subset: a group counts once its last
// selected member finished, so the route variants land together.
func progressAfter(commands []string, i int) int {
	if i < 0 {
		return 0
	}
	if i >= len(commands) {
		i = len(commands) - 1
	}
	total := 0
	seen := make(map[int]bool)
	for _, c := range commands {
		g := kindGroup(c)
		if g >= 0 && !seen[g] {
			seen[g] = true
			total++
		}
	}
	if total == 0 {
		return 0
	}
	done := 0
	counted := make(map[int]bool)
	for j := 0; j <= i; j++ {
		g := kindGroup(commands[j])
		if g < 0 || counted[g] {
			continue
		}
		rest := false
		for k := j + 1; k < len(commands); k++ {
			if kindGroup(commands[k]) == g {
				rest = true
				break
			}
		}
		if !rest {
			counted[g] = true
			done++
		}
	}
	return done * 100 / total
}

// Kwargs flattens the request for an orchestrator message. Commands are
// resolved here so child tasks never re-derive the include flags.
func (r *Request) Kwargs(username string) broker.Kwargs {
	return broker.Kwargs{
		"device_ids":    r.DeviceIDs,
		"commands":      r.Commands(),
		"cache_results": r.UseCache(),
		"username":      username,
	}
}

// Job is the decoded form of an orchestrator message's kwargs. Empty
// DeviceIDs means the whole fleet; the orchestrator resolves it against
// the inventory. Scheduled dispatches omit device ids for exactly that.
type Job struct {
	DeviceIDs    []string
	Commands     []string
	CacheResults bool
	Username     string
}

func JobFromKwargs(kw broker.Kwargs) Job {
	j := Job{
		DeviceIDs: kw.Strings("device_ids"),
		Commands:  kw.Strings("commands"),
	}
	if len(j.Commands) == 0 {
		j.Commands = parser.Commands()
	}
	j.CacheResults = true
	if v, ok := kw.Bool("cache_results"); ok {
		j.CacheResults = v
	}
	j.Username, _ = kw.String("username")
	return j
}

// ChildKwargs builds the per-device message arguments for one child task.
func (j Job) ChildKwargs(deviceID string) broker.Kwargs {
	return broker.Kwargs{
		"device_id":     deviceID,
		"commands":      j.Commands,
		"cache_results": j.CacheResults,
		"username":      j.Username,
	}
}

// ChildJob is the decoded form of a single-device message's kwargs.
type ChildJob struct {
	DeviceID     string
	Commands     []string
	CacheResults bool
	Username     string
}

func ChildFromKwargs(kw broker.Kwargs) (ChildJob, error) {
	id, _ := kw.String("device_id")
	if id == "" {
		return ChildJob{}, errors.New("kwargs carry no device_id")
	}
	c := ChildJob{DeviceID: id, Commands: kw.Strings("commands")}
	if len(c.Commands) == 0 {
		c.Commands = parser.Commands()
	}
	c.CacheResults = true
	if v, ok := kw.Bool("cache_results"); ok {
		c.CacheResults = v
	}
	c.Username, _ = kw.String("username")
	return c, nil
}

// Options converts the child job into executor options.
func (c ChildJob) Options() executor.Options {
	opts := executor.DefaultOptions(c.Username)
	opts.UseCache = c.CacheResults
	return opts
}
