package pacman

import (
	"context"
	"fmt"
	"sync"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"

	"github.com/cuemby/uptane-agent/pkg/types"
)

const (
	containerdNamespace = "uptane-agent"
	defaultSocket       = "/run/containerd/containerd.sock"
)

func init() {
	register("docker-compose", func(cfg Config) (Manager, error) { return NewContainerdManager(cfg) })
}

// ContainerdManager runs a target's payload as an OCI container via
// containerd instead of shelling out to a docker-compose binary,
// using the Pull/Create/NewTask sequence of the containerd client.
type ContainerdManager struct {
	client *containerd.Client

	mu      sync.Mutex
	current types.Target
	hasOne  bool
}

func NewContainerdManager(cfg Config) (*ContainerdManager, error) {
	sock := cfg.ContainerdSock
	if sock == "" {
		sock = defaultSocket
	}
	client, err := containerd.New(sock)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}
	return &ContainerdManager{client: client}, nil
}

func (m *ContainerdManager) Name() string { return "docker-compose" }

func (m *ContainerdManager) GetCurrent() (types.Target, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.hasOne, nil
}

func (m *ContainerdManager) GetInstalledPackages() ([]types.Target, error) {
	ctx := namespaces.WithNamespace(context.Background(), containerdNamespace)
	containers, err := m.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	out := make([]types.Target, 0, len(containers))
	m.mu.Lock()
	if m.hasOne {
		out = append(out, m.current)
	}
	m.mu.Unlock()
	return out, nil
}

// Install pulls target's URI as an OCI image and runs it as a
// replacement container under a fixed, target-named ID, tearing down
// any prior container of the same name first.
func (m *ContainerdManager) Install(ctx context.Context, target types.Target, blobPath string) types.InstallationResult {
	ctx = namespaces.WithNamespace(ctx, containerdNamespace)
	imageRef := target.Custom.URI
	if imageRef == "" {
		return types.InstallationResult{Code: types.ResultInstallFailed, Description: "target carries no container image reference"}
	}

	image, err := m.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
	if err != nil {
		return types.InstallationResult{Code: types.ResultDownloadFailed, Description: "failed to pull " + imageRef + ": " + err.Error()}
	}

	id := "uptane-" + target.Filename
	m.teardown(ctx, id)

	container, err := m.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(oci.WithImageConfig(image)),
	)
	if err != nil {
		return types.InstallationResult{Code: types.ResultInstallFailed, Description: "failed to create container: " + err.Error()}
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return types.InstallationResult{Code: types.ResultInstallFailed, Description: "failed to create task: " + err.Error()}
	}
	if err := task.Start(ctx); err != nil {
		return types.InstallationResult{Code: types.ResultInstallFailed, Description: "failed to start task: " + err.Error()}
	}

	m.mu.Lock()
	m.current = target
	m.hasOne = true
	m.mu.Unlock()

	return types.InstallationResult{Code: types.ResultOk, Description: "container " + id + " started from " + imageRef}
}

func (m *ContainerdManager) teardown(ctx context.Context, id string) {
	container, err := m.client.LoadContainer(ctx, id)
	if err != nil {
		return
	}
	if task, err := container.Task(ctx, nil); err == nil {
		_, _ = task.Delete(ctx)
	}
	_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
}

func (m *ContainerdManager) GetManifest(serial types.EcuSerial) (types.EcuManifestEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return types.EcuManifestEntry{Ecu: serial, Installed: m.current, LastResult: types.InstallationResult{Code: types.ResultOk}}, nil
}
