package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/pocket/internal/errdefs"
	"github.com/michaelbrown/pocket/internal/policy"
)

type fakeContainer struct {
	id      string
	name    string
	config  *container.Config
	host    *container.HostConfig
	running bool
	resized [2]uint
}

// fakeDocker is an in-memory stand-in for the Docker daemon. Attached
// connections echo stdin back as output, like cat under a tty.
type fakeDocker struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*fakeContainer
	networks   map[string]network.CreateOptions

	createErr error
	// createLeaks makes a failed create still leave the container behind,
	// like a daemon that finishes after the client gave up.
	createLeaks bool
	startErr    error
	inspectErr  error
	ignoreStop  bool // container survives SIGTERM
	stopCalls   int
	killCalls   int
	attaches    int
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		containers: make(map[string]*fakeContainer),
		networks:   make(map[string]network.CreateOptions),
	}
}

func notFound(id string) error {
	return fmt.Errorf("No such container: %s: %w", id, cerrdefs.ErrNotFound)
}

func (f *fakeDocker) Ping(ctx context.Context) (types.Ping, error) { return types.Ping{}, nil }

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("{}")), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil && !f.createLeaks {
		return container.CreateResponse{}, f.createErr
	}
	f.seq++
	id := fmt.Sprintf("c%03d", f.seq)
	f.containers[id] = &fakeContainer{id: id, name: containerName, config: config, host: hostConfig}
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerAttach(ctx context.Context, id string, options container.AttachOptions) (types.HijackedResponse, error) {
	f.mu.Lock()
	_, ok := f.containers[id]
	f.attaches++
	f.mu.Unlock()
	if !ok {
		return types.HijackedResponse{}, notFound(id)
	}

	local, remote := net.Pipe()
	go func() {
		defer remote.Close()
		_, _ = io.Copy(remote, remote)
	}()
	return types.HijackedResponse{Conn: local, Reader: bufio.NewReader(local)}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	c, ok := f.containers[id]
	if !ok {
		return notFound(id)
	}
	c.running = true
	return nil
}

func (f *fakeDocker) ContainerResize(ctx context.Context, id string, options container.ResizeOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return notFound(id)
	}
	c.resized = [2]uint{options.Width, options.Height}
	return nil
}

func (f *fakeDocker) ContainerStop(ctx context.Context, id string, options container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	c, ok := f.containers[id]
	if !ok {
		return notFound(id)
	}
	if !f.ignoreStop {
		c.running = false
	}
	return nil
}

func (f *fakeDocker) ContainerKill(ctx context.Context, id, signal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killCalls++
	c, ok := f.containers[id]
	if !ok {
		return notFound(id)
	}
	c.running = false
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, c := range f.containers {
		if key == id || c.name == id {
			delete(f.containers, key)
			return nil
		}
	}
	return notFound(id)
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectErr != nil {
		return container.InspectResponse{}, f.inspectErr
	}
	c, ok := f.containers[id]
	if !ok {
		return container.InspectResponse{}, notFound(id)
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:         id,
			State:      &container.State{Running: c.running},
			HostConfig: c.host,
		},
		Config: c.config,
	}, nil
}

func (f *fakeDocker) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []container.Summary
	for _, c := range f.containers {
		out = append(out, container.Summary{ID: c.id, Labels: c.config.Labels})
	}
	return out, nil
}

func (f *fakeDocker) NetworkInspect(ctx context.Context, name string, options network.InspectOptions) (network.Inspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.networks[name]; !ok {
		return network.Inspect{}, fmt.Errorf("network %s not found: %w", name, cerrdefs.ErrNotFound)
	}
	return network.Inspect{Name: name}, nil
}

func (f *fakeDocker) NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.networks[name]; ok {
		return network.CreateResponse{}, fmt.Errorf("network %s exists: %w", name, cerrdefs.ErrConflict)
	}
	f.networks[name] = options
	return network.CreateResponse{ID: "net-" + name}, nil
}

func (f *fakeDocker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func (f *fakeDocker) Close() error { return nil }

func (f *fakeDocker) get(id string) *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[id]
}

func testEngine(t *testing.T) (*Docker, *fakeDocker) {
	t.Helper()
	api := newFakeDocker()
	d := newDocker(api, DockerConfig{Instance: "test", StopGrace: time.Second})
	return d, api
}

func smallSpec(sessionID string) Spec {
	p, _ := policy.New(policy.DefaultProfiles())
	l, _ := p.Resolve("small")
	return Spec{SessionID: sessionID, Profile: "small", Limits: l}
}

func TestCreate_AppliesIsolation(t *testing.T) {
	d, api := testEngine(t)

	id, err := d.Create(context.Background(), smallSpec("s1"))
	require.NoError(t, err)

	c := api.get(id)
	require.NotNil(t, c)
	assert.True(t, c.host.ReadonlyRootfs)
	assert.Equal(t, container.NetworkMode("none"), c.host.NetworkMode)
	assert.Equal(t, []string{"ALL"}, []string(c.host.CapDrop))
	assert.Contains(t, c.host.SecurityOpt, "no-new-privileges:true")
	assert.Equal(t, int64(256*1024*1024), c.host.Memory)
	assert.Equal(t, int64(500_000_000), c.host.NanoCPUs)
	require.NotNil(t, c.host.PidsLimit)
	assert.Equal(t, int64(128), *c.host.PidsLimit)
	assert.Empty(t, c.host.PortBindings)
	assert.Contains(t, c.host.Tmpfs["/workspace"], "size=536870912")
	assert.True(t, c.config.Tty)
	assert.Equal(t, "test", c.config.Labels[LabelInstance])
	assert.Equal(t, "s1", c.config.Labels[LabelSession])
}

func TestCreate_RuntimeFailure(t *testing.T) {
	d, api := testEngine(t)
	api.createErr = errors.New("daemon unavailable")

	_, err := d.Create(context.Background(), smallSpec("s1"))
	assert.ErrorIs(t, err, errdefs.ErrProvision)
}

func TestCreate_FailureRemovesLateContainer(t *testing.T) {
	d, api := testEngine(t)
	api.createErr = context.DeadlineExceeded
	api.createLeaks = true

	_, err := d.Create(context.Background(), smallSpec("s1"))
	assert.ErrorIs(t, err, errdefs.ErrProvision)
	assert.Zero(t, api.count())
}

func TestCreate_EgressNetworkIsolatesContainers(t *testing.T) {
	d, api := testEngine(t)
	ctx := context.Background()

	spec := smallSpec("s1")
	spec.Limits.Network = policy.NetworkEgress
	id, err := d.Create(ctx, spec)
	require.NoError(t, err)

	spec.SessionID = "s2"
	_, err = d.Create(ctx, spec)
	require.NoError(t, err)

	require.Len(t, api.networks, 1)
	opts := api.networks["pocket-egress"]
	assert.Equal(t, "bridge", opts.Driver)
	assert.Equal(t, "false", opts.Options["com.docker.network.bridge.enable_icc"])
	assert.Equal(t, container.NetworkMode("pocket-egress"), api.get(id).host.NetworkMode)

	info, err := d.Inspect(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, policy.NetworkEgress, info.Network)
}

func TestStart_ReturnsWorkingPTY(t *testing.T) {
	d, _ := testEngine(t)
	ctx := context.Background()

	id, err := d.Create(ctx, smallSpec("s1"))
	require.NoError(t, err)

	pty, err := d.Start(ctx, id)
	require.NoError(t, err)
	defer pty.Close()

	_, err = pty.Write([]byte("ls\n"))
	require.NoError(t, err)

	buf := make([]byte, 3)
	_, err = io.ReadFull(pty, buf)
	require.NoError(t, err)
	assert.Equal(t, "ls\n", string(buf))

	assert.Equal(t, StatusRunning, d.HealthCheck(ctx, id))
}

func TestStart_Errors(t *testing.T) {
	d, api := testEngine(t)
	ctx := context.Background()

	_, err := d.Start(ctx, "missing")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	id, err := d.Create(ctx, smallSpec("s1"))
	require.NoError(t, err)
	pty, err := d.Start(ctx, id)
	require.NoError(t, err)
	defer pty.Close()

	_, err = d.Start(ctx, id)
	assert.ErrorIs(t, err, errdefs.ErrAlreadyRunning)

	id2, err := d.Create(ctx, smallSpec("s2"))
	require.NoError(t, err)
	api.startErr = errors.New("oci runtime error")
	_, err = d.Start(ctx, id2)
	assert.ErrorIs(t, err, errdefs.ErrProvision)
}

func TestAttach_RequiresRunning(t *testing.T) {
	d, _ := testEngine(t)
	ctx := context.Background()

	id, err := d.Create(ctx, smallSpec("s1"))
	require.NoError(t, err)

	_, err = d.Attach(ctx, id)
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)

	pty, err := d.Start(ctx, id)
	require.NoError(t, err)
	pty.Close()

	again, err := d.Attach(ctx, id)
	require.NoError(t, err)
	again.Close()

	require.NoError(t, d.Stop(ctx, id, false))
	_, err = d.Attach(ctx, id)
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)
}

func TestAttach_ShellExitedOnItsOwn(t *testing.T) {
	d, api := testEngine(t)
	ctx := context.Background()

	id, err := d.Create(ctx, smallSpec("s1"))
	require.NoError(t, err)
	pty, err := d.Start(ctx, id)
	require.NoError(t, err)
	pty.Close()

	// The shell exits without the engine stopping the container.
	c := api.get(id)
	api.mu.Lock()
	c.running = false
	attaches := api.attaches
	api.mu.Unlock()

	_, err = d.Attach(ctx, id)
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)
	api.mu.Lock()
	assert.Equal(t, attaches, api.attaches, "no pty is opened")
	api.mu.Unlock()

	_, err = d.Attach(ctx, id)
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)
}

func TestResize_RecordedInInspect(t *testing.T) {
	d, api := testEngine(t)
	ctx := context.Background()

	id, err := d.Create(ctx, smallSpec("s1"))
	require.NoError(t, err)
	pty, err := d.Start(ctx, id)
	require.NoError(t, err)
	defer pty.Close()

	require.NoError(t, pty.Resize(ctx, 120, 40))
	assert.Equal(t, [2]uint{120, 40}, api.get(id).resized)

	info, err := d.Inspect(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint16(120), info.Cols)
	assert.Equal(t, uint16(40), info.Rows)
	assert.Equal(t, StatusRunning, info.Status)
	assert.True(t, info.ReadOnlyRoot)
	assert.Equal(t, "s1", info.SessionID)
}

func TestStop_GracefulAndIdempotent(t *testing.T) {
	d, api := testEngine(t)
	ctx := context.Background()

	id, err := d.Create(ctx, smallSpec("s1"))
	require.NoError(t, err)
	pty, err := d.Start(ctx, id)
	require.NoError(t, err)
	defer pty.Close()

	require.NoError(t, d.Stop(ctx, id, true))
	assert.Equal(t, 1, api.stopCalls)
	assert.Equal(t, 0, api.killCalls)

	require.NoError(t, d.Stop(ctx, id, true))
	assert.Equal(t, 1, api.stopCalls, "stopping a stopped sandbox is a no-op")

	assert.Equal(t, StatusStopped, d.HealthCheck(ctx, id))
}

func TestStop_KillsAfterGraceTimeout(t *testing.T) {
	d, api := testEngine(t)
	ctx := context.Background()
	api.ignoreStop = true

	id, err := d.Create(ctx, smallSpec("s1"))
	require.NoError(t, err)
	pty, err := d.Start(ctx, id)
	require.NoError(t, err)
	defer pty.Close()

	require.NoError(t, d.Stop(ctx, id, true))
	assert.Equal(t, 1, api.killCalls)
	assert.False(t, api.get(id).running)
}

func TestStop_Forced(t *testing.T) {
	d, api := testEngine(t)
	ctx := context.Background()

	id, err := d.Create(ctx, smallSpec("s1"))
	require.NoError(t, err)
	pty, err := d.Start(ctx, id)
	require.NoError(t, err)
	defer pty.Close()

	require.NoError(t, d.Stop(ctx, id, false))
	assert.Equal(t, 0, api.stopCalls)
	assert.Equal(t, 1, api.killCalls)
}

func TestRemove(t *testing.T) {
	d, _ := testEngine(t)
	ctx := context.Background()

	id, err := d.Create(ctx, smallSpec("s1"))
	require.NoError(t, err)
	pty, err := d.Start(ctx, id)
	require.NoError(t, err)
	defer pty.Close()

	err = d.Remove(ctx, id)
	assert.ErrorIs(t, err, errdefs.ErrInvalidState, "remove requires stop first")

	require.NoError(t, d.Stop(ctx, id, true))
	require.NoError(t, d.Remove(ctx, id))
	require.NoError(t, d.Remove(ctx, id), "remove is idempotent")

	info, err := d.Inspect(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRemoved, info.Status)
}

func TestHealthCheck_RuntimeFailure(t *testing.T) {
	d, api := testEngine(t)
	ctx := context.Background()

	id, err := d.Create(ctx, smallSpec("s1"))
	require.NoError(t, err)

	api.inspectErr = errors.New("timeout")
	assert.Equal(t, StatusUnhealthy, d.HealthCheck(ctx, id))

	api.inspectErr = nil
	assert.Equal(t, StatusUnhealthy, d.HealthCheck(ctx, "missing"))
}

func TestListOrphans(t *testing.T) {
	d, api := testEngine(t)
	ctx := context.Background()

	live, err := d.Create(ctx, smallSpec("live"))
	require.NoError(t, err)
	orphan, err := d.Create(ctx, smallSpec("gone"))
	require.NoError(t, err)

	// A container from another server instance is never ours to reclaim.
	other := newDocker(api, DockerConfig{Instance: "other"})
	_, err = other.Create(ctx, smallSpec("foreign"))
	require.NoError(t, err)

	ids, err := d.ListOrphans(ctx, func(sessionID string) bool { return sessionID == "live" })
	require.NoError(t, err)
	assert.Equal(t, []string{orphan}, ids)
	assert.NotContains(t, ids, live)
}
