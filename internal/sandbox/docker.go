package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/pocket/internal/errdefs"
	"github.com/michaelbrown/pocket/internal/logging"
	"github.com/michaelbrown/pocket/internal/policy"
)

// dockerAPI is the subset of the Docker client the engine uses.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerResize(ctx context.Context, containerID string, options container.ResizeOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	Close() error
}

// DockerConfig configures the Docker engine.
type DockerConfig struct {
	// Endpoint is the daemon address. Empty uses DOCKER_HOST or the default socket.
	Endpoint string

	Image string
	Shell []string
	User  string

	// Instance marks every sandbox created by this server so leftovers from
	// a crashed process can be found again.
	Instance string

	// EgressNetwork is the bridge network egress profiles join. It is
	// created on first use with inter-container traffic disabled.
	EgressNetwork string

	StopGrace     time.Duration
	HealthTimeout time.Duration
	TmpSizeMB     int64
	PullImage     bool

	Logger *zerolog.Logger
}

func (c *DockerConfig) setDefaults() {
	if c.Image == "" {
		c.Image = "alpine:3.20"
	}
	if len(c.Shell) == 0 {
		c.Shell = []string{"/bin/sh", "-l"}
	}
	if c.User == "" {
		c.User = "65534:65534"
	}
	if c.Instance == "" {
		c.Instance = "default"
	}
	if c.EgressNetwork == "" {
		c.EgressNetwork = "pocket-egress"
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 2 * time.Second
	}
	if c.TmpSizeMB <= 0 {
		c.TmpSizeMB = 64
	}
}

// instance is what the engine remembers about a sandbox between calls.
type instance struct {
	sessionID string
	status    Status
	cols      uint16
	rows      uint16
}

// Docker runs sandboxes as Docker containers.
type Docker struct {
	api    dockerAPI
	cfg    DockerConfig
	logger zerolog.Logger

	mu        sync.Mutex
	instances map[string]*instance

	netMu    sync.Mutex
	netReady bool
}

// NewDocker connects to the Docker daemon and verifies it is reachable.
func NewDocker(ctx context.Context, cfg DockerConfig) (*Docker, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, client.WithHost(cfg.Endpoint))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w: %w", errdefs.ErrProvision, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("runtime unavailable: %w: %w", errdefs.ErrProvision, err)
	}

	return newDocker(cli, cfg), nil
}

func newDocker(api dockerAPI, cfg DockerConfig) *Docker {
	cfg.setDefaults()
	return &Docker{
		api:       api,
		cfg:       cfg,
		logger:    logging.Or(cfg.Logger, "sandbox"),
		instances: make(map[string]*instance),
	}
}

// Create allocates a sandbox with a read-only root filesystem, no published
// ports, all capabilities dropped and the resource ceilings from spec.Limits.
func (d *Docker) Create(ctx context.Context, spec Spec) (string, error) {
	if spec.SessionID == "" {
		return "", fmt.Errorf("%w: session id is required", errdefs.ErrInvalidConfig)
	}

	if spec.Limits.Network == policy.NetworkEgress {
		if err := d.ensureEgressNetwork(ctx); err != nil {
			return "", fmt.Errorf("egress network: %w: %w", errdefs.ErrProvision, err)
		}
	}

	cfg, host := d.containerConfig(spec)
	name := "pocket-" + spec.SessionID

	resp, err := d.api.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil && cerrdefs.IsNotFound(err) && d.cfg.PullImage {
		if pullErr := d.pull(ctx, d.cfg.Image); pullErr != nil {
			d.logger.Warn().Err(pullErr).Str("image", d.cfg.Image).Msg("image pull failed")
		} else {
			resp, err = d.api.ContainerCreate(ctx, cfg, host, nil, nil, name)
		}
	}
	if err != nil {
		d.discard(ctx, name)
		return "", fmt.Errorf("create container: %w: %w", errdefs.ErrProvision, err)
	}

	d.mu.Lock()
	d.instances[resp.ID] = &instance{sessionID: spec.SessionID, status: StatusCreating}
	d.mu.Unlock()

	d.logger.Debug().
		Str(logging.FieldSandboxID, resp.ID).
		Str(logging.FieldSessionID, spec.SessionID).
		Msg("sandbox created")
	return resp.ID, nil
}

// discard removes a container the daemon may have finished creating after
// the create call itself failed, e.g. on a client-side timeout.
func (d *Docker) discard(ctx context.Context, name string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := d.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
	switch {
	case err == nil:
		d.logger.Warn().Str("container", name).Msg("removed container left by failed create")
	case !cerrdefs.IsNotFound(err):
		d.logger.Warn().Err(err).Str("container", name).Msg("cleanup after failed create")
	}
}

// ensureEgressNetwork creates the egress bridge unless it exists.
func (d *Docker) ensureEgressNetwork(ctx context.Context) error {
	d.netMu.Lock()
	defer d.netMu.Unlock()
	if d.netReady {
		return nil
	}

	name := d.cfg.EgressNetwork
	_, err := d.api.NetworkInspect(ctx, name, network.InspectOptions{})
	if cerrdefs.IsNotFound(err) {
		_, err = d.api.NetworkCreate(ctx, name, network.CreateOptions{
			Driver: "bridge",
			Options: map[string]string{
				"com.docker.network.bridge.enable_icc": "false",
			},
			Labels: map[string]string{LabelInstance: d.cfg.Instance},
		})
		if cerrdefs.IsConflict(err) {
			err = nil
		}
		if err == nil {
			d.logger.Info().Str("network", name).Msg("egress network created")
		}
	}
	if err != nil {
		return err
	}
	d.netReady = true
	return nil
}

func (d *Docker) containerConfig(spec Spec) (*container.Config, *container.HostConfig) {
	limits := spec.Limits
	useInit := true
	pids := limits.PidsLimit

	mode := string(policy.NetworkNone)
	if limits.Network == policy.NetworkEgress {
		mode = d.cfg.EgressNetwork
	}

	cfg := &container.Config{
		Image:        d.cfg.Image,
		Cmd:          d.cfg.Shell,
		User:         d.cfg.User,
		WorkingDir:   "/workspace",
		Env:          []string{"TERM=xterm-256color", "HOME=/workspace"},
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			LabelInstance: d.cfg.Instance,
			LabelSession:  spec.SessionID,
			LabelProfile:  spec.Profile,
		},
	}

	host := &container.HostConfig{
		NetworkMode:    container.NetworkMode(mode),
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		Init:           &useInit,
		AutoRemove:     false,
		Tmpfs: map[string]string{
			"/tmp":       fmt.Sprintf("rw,nosuid,nodev,noexec,mode=1777,size=%dm", d.cfg.TmpSizeMB),
			"/workspace": fmt.Sprintf("rw,nosuid,nodev,mode=1777,size=%d", limits.DiskBytes),
		},
		Resources: container.Resources{
			Memory:     limits.MemoryBytes,
			MemorySwap: limits.MemoryBytes,
			NanoCPUs:   int64(limits.CPUs * 1e9),
			CPUShares:  limits.CPUShares,
			PidsLimit:  &pids,
		},
	}
	return cfg, host
}

func (d *Docker) pull(ctx context.Context, ref string) error {
	reader, err := d.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Start starts a created sandbox and returns its pty. The pty is attached
// before the shell starts so no early output is lost.
func (d *Docker) Start(ctx context.Context, id string) (PTY, error) {
	d.mu.Lock()
	inst, ok := d.instances[id]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("sandbox %s: %w", id, errdefs.ErrNotFound)
	}
	if inst.status != StatusCreating {
		status := inst.status
		d.mu.Unlock()
		if status == StatusRunning {
			return nil, fmt.Errorf("sandbox %s: %w", id, errdefs.ErrAlreadyRunning)
		}
		return nil, fmt.Errorf("sandbox %s is %s: %w", id, status, errdefs.ErrInvalidState)
	}
	d.mu.Unlock()

	hijacked, err := d.attach(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("attach: %w: %w", errdefs.ErrProvision, err)
	}

	if err := d.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		hijacked.Close()
		return nil, fmt.Errorf("start container: %w: %w", errdefs.ErrProvision, err)
	}

	d.setStatus(id, StatusRunning)
	return &dockerPTY{engine: d, id: id, conn: hijacked}, nil
}

// Attach returns a fresh pty for a Running sandbox. The runtime is asked
// first: a shell that exited on its own leaves the sandbox Stopped.
func (d *Docker) Attach(ctx context.Context, id string) (PTY, error) {
	d.mu.Lock()
	inst, ok := d.instances[id]
	var status Status
	if ok {
		status = inst.status
	}
	d.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("sandbox %s: %w", id, errdefs.ErrNotFound)
	}
	if status != StatusRunning {
		return nil, fmt.Errorf("sandbox %s is %s: %w", id, status, errdefs.ErrInvalidState)
	}

	running, err := d.running(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("attach sandbox %s: %w: %w", id, errdefs.ErrRelayIO, err)
	}
	if !running {
		d.setStatus(id, StatusStopped)
		return nil, fmt.Errorf("sandbox %s is %s: %w", id, StatusStopped, errdefs.ErrInvalidState)
	}

	hijacked, err := d.attach(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("attach sandbox %s: %w: %w", id, errdefs.ErrRelayIO, err)
	}
	return &dockerPTY{engine: d, id: id, conn: hijacked}, nil
}

func (d *Docker) attach(ctx context.Context, id string) (types.HijackedResponse, error) {
	// The hijacked connection outlives the request that asked for it.
	return d.api.ContainerAttach(context.WithoutCancel(ctx), id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
}

func (d *Docker) resize(ctx context.Context, id string, cols, rows uint16) error {
	err := d.api.ContainerResize(ctx, id, container.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	})
	if err != nil {
		return fmt.Errorf("resize sandbox %s: %w", id, err)
	}

	d.mu.Lock()
	if inst, ok := d.instances[id]; ok {
		inst.cols, inst.rows = cols, rows
	}
	d.mu.Unlock()
	return nil
}

// HealthCheck asks the runtime about the sandbox. It never fails: any
// error reports StatusUnhealthy.
func (d *Docker) HealthCheck(ctx context.Context, id string) Status {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.HealthTimeout)
	defer cancel()

	resp, err := d.api.ContainerInspect(ctx, id)
	if err != nil || resp.ContainerJSONBase == nil || resp.State == nil {
		return StatusUnhealthy
	}

	state := resp.State
	switch {
	case state.OOMKilled, state.Dead, state.Restarting:
		return StatusUnhealthy
	case !state.Running:
		return StatusStopped
	case state.Health != nil && state.Health.Status == "unhealthy":
		return StatusUnhealthy
	default:
		return StatusRunning
	}
}

// Stop stops the sandbox. A graceful stop sends SIGTERM and waits up to the
// configured grace period before killing. Stopping a stopped or missing
// sandbox succeeds.
func (d *Docker) Stop(ctx context.Context, id string, graceful bool) error {
	running, err := d.running(ctx, id)
	if err != nil {
		return fmt.Errorf("stop sandbox %s: %w: %w", id, errdefs.ErrTeardown, err)
	}
	if !running {
		d.setStatus(id, StatusStopped)
		return nil
	}

	if graceful {
		secs := int(d.cfg.StopGrace.Seconds())
		stopCtx, cancel := context.WithTimeout(ctx, d.cfg.StopGrace+5*time.Second)
		err := d.api.ContainerStop(stopCtx, id, container.StopOptions{Signal: "SIGTERM", Timeout: &secs})
		cancel()
		if err != nil && !cerrdefs.IsNotFound(err) {
			d.logger.Warn().Err(err).Str(logging.FieldSandboxID, id).Msg("graceful stop failed, killing")
		}

		running, err = d.running(ctx, id)
		if err == nil && !running {
			d.setStatus(id, StatusStopped)
			return nil
		}
	}

	if err := d.api.ContainerKill(ctx, id, "SIGKILL"); err != nil && !cerrdefs.IsNotFound(err) {
		d.logger.Debug().Err(err).Str(logging.FieldSandboxID, id).Msg("kill returned error")
	}

	running, err = d.running(ctx, id)
	if err != nil {
		return fmt.Errorf("stop sandbox %s: %w: %w", id, errdefs.ErrTeardown, err)
	}
	if running {
		return fmt.Errorf("stop sandbox %s: still running after kill: %w", id, errdefs.ErrTeardown)
	}
	d.setStatus(id, StatusStopped)
	return nil
}

// running reports whether the container is running. A missing container is
// not running.
func (d *Docker) running(ctx context.Context, id string) (bool, error) {
	resp, err := d.api.ContainerInspect(ctx, id)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if resp.ContainerJSONBase == nil || resp.State == nil {
		return false, nil
	}
	return resp.State.Running, nil
}

// Remove releases the sandbox's filesystem layer and namespaces. The
// sandbox must be stopped first. Removing a missing sandbox succeeds.
func (d *Docker) Remove(ctx context.Context, id string) error {
	running, err := d.running(ctx, id)
	if err != nil {
		return fmt.Errorf("remove sandbox %s: %w: %w", id, errdefs.ErrTeardown, err)
	}
	if running {
		return fmt.Errorf("remove sandbox %s: still running: %w", id, errdefs.ErrInvalidState)
	}

	err = d.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("remove sandbox %s: %w: %w", id, errdefs.ErrTeardown, err)
	}

	d.mu.Lock()
	delete(d.instances, id)
	d.mu.Unlock()
	return nil
}

// Inspect reports the sandbox status, applied pty size and effective
// isolation settings. A sandbox the runtime no longer knows is Removed.
func (d *Docker) Inspect(ctx context.Context, id string) (Info, error) {
	resp, err := d.api.ContainerInspect(ctx, id)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return Info{ID: id, Status: StatusRemoved}, nil
		}
		return Info{}, fmt.Errorf("inspect sandbox %s: %w", id, err)
	}

	info := Info{ID: id, Status: StatusUnhealthy}
	if resp.ContainerJSONBase != nil {
		if s := resp.State; s != nil {
			switch {
			case s.Running && (s.Health == nil || s.Health.Status != "unhealthy"):
				info.Status = StatusRunning
			case !s.Running && !s.Dead:
				info.Status = StatusStopped
			}
		}
		if h := resp.HostConfig; h != nil {
			info.ReadOnlyRoot = h.ReadonlyRootfs
			info.Network = policy.NetworkMode(h.NetworkMode)
			if string(h.NetworkMode) == d.cfg.EgressNetwork {
				info.Network = policy.NetworkEgress
			}
			info.MemoryBytes = h.Memory
			if h.PidsLimit != nil {
				info.PidsLimit = *h.PidsLimit
			}
		}
	}
	if resp.Config != nil {
		info.SessionID = resp.Config.Labels[LabelSession]
	}

	d.mu.Lock()
	if inst, ok := d.instances[id]; ok {
		info.Cols, info.Rows = inst.cols, inst.rows
		if info.Status == StatusStopped && inst.status == StatusCreating {
			info.Status = StatusCreating
		}
	}
	d.mu.Unlock()
	return info, nil
}

// ListOrphans returns sandboxes carrying this server's instance marker
// whose session is not live.
func (d *Docker) ListOrphans(ctx context.Context, live func(sessionID string) bool) ([]string, error) {
	list, err := d.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelInstance+"="+d.cfg.Instance)),
	})
	if err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w", err)
	}

	var orphans []string
	for _, c := range list {
		if c.Labels[LabelInstance] != d.cfg.Instance {
			continue
		}
		if live != nil && live(c.Labels[LabelSession]) {
			continue
		}
		orphans = append(orphans, c.ID)
	}
	return orphans, nil
}

// Close releases the daemon connection.
func (d *Docker) Close() error {
	return d.api.Close()
}

func (d *Docker) setStatus(id string, status Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if inst, ok := d.instances[id]; ok {
		inst.status = status
	}
}

// dockerPTY is a hijacked attach connection to a TTY container.
type dockerPTY struct {
	engine *Docker
	id     string
	conn   types.HijackedResponse
	once   sync.Once
}

func (p *dockerPTY) Read(b []byte) (int, error) {
	return p.conn.Reader.Read(b)
}

func (p *dockerPTY) Write(b []byte) (int, error) {
	return p.conn.Conn.Write(b)
}

func (p *dockerPTY) Close() error {
	p.once.Do(p.conn.Close)
	return nil
}

func (p *dockerPTY) Resize(ctx context.Context, cols, rows uint16) error {
	return p.engine.resize(ctx, p.id, cols, rows)
}
