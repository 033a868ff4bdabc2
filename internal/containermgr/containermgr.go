// Package containermgr keeps at most one running agent container per
// version hash, reusing live containers and rolling over to a new
// container when an agent's image version changes.
package containermgr

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/somnia-validators/agent-runner/internal/imagestore"
	"github.com/somnia-validators/agent-runner/internal/metrics"
)

// Record describes a running agent container.
type Record struct {
	ContainerID string
	HostPort    int
	URL         string
	VersionHash string
	StartedAt   time.Time
}

// SandboxNetwork configures the Docker network agent containers are
// attached to, along with the proxy addresses injected into their
// environment.
type SandboxNetwork struct {
	Name         string
	Gateway      string
	ProxyPort    int
	LLMProxyPort int // 0 disables LLM proxy env injection
}

// Manager maintains at most one running container per version hash.
type Manager struct {
	docker  *client.Client
	images  *imagestore.Store
	runtime string

	byVersion     map[string]*Record
	byVersionLock sync.RWMutex

	starting sync.Map // versionHash -> chan struct{}

	nextPort  int
	portMutex sync.Mutex

	httpClient *http.Client

	sandboxNetwork    *SandboxNetwork
	agentRegistryAddr string
}

// New creates a Manager backed by an existing Docker client.
func New(docker *client.Client, images *imagestore.Store, startPort int, runtime string) *Manager {
	return &Manager{
		docker:     docker,
		images:     images,
		runtime:    runtime,
		byVersion:  make(map[string]*Record),
		nextPort:   startPort,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Client returns the underlying Docker client.
func (m *Manager) Client() *client.Client {
	return m.docker
}

// SetSandboxNetwork configures the network agent containers are attached
// to and the proxy environment variables injected into them.
func (m *Manager) SetSandboxNetwork(name, gatewayIP string, proxyPort, llmProxyPort int) {
	m.sandboxNetwork = &SandboxNetwork{
		Name:         name,
		Gateway:      gatewayIP,
		ProxyPort:    proxyPort,
		LLMProxyPort: llmProxyPort,
	}
	slog.Info("Sandbox network configured",
		"network", name,
		"gateway", gatewayIP,
		"proxy_port", proxyPort,
		"llm_proxy_port", llmProxyPort,
	)
}

// SetAgentRegistryAddress configures the AgentRegistry contract address
// injected into started containers.
func (m *Manager) SetAgentRegistryAddress(addr string) {
	m.agentRegistryAddr = addr
	slog.Info("AgentRegistry address configured for containers", "address", addr)
}

// Ensure makes sure a container is running for agentURL's current
// version, starting or rolling over a container if needed, and returns
// its host port and whether a new container was started.
func (m *Manager) Ensure(ctx context.Context, agentURL string) (hostPort int, wasStarted bool, err error) {
	start := time.Now()

	versionHash, err := m.images.VersionHash(agentURL)
	if err != nil {
		return 0, false, err
	}

	if rec, alive := m.liveRecord(ctx, versionHash); alive {
		return rec.HostPort, false, nil
	}

	startCh := make(chan struct{})
	actual, loaded := m.starting.LoadOrStore(versionHash, startCh)
	if loaded {
		<-actual.(chan struct{})
		if rec := m.lookup(versionHash); rec != nil {
			return rec.HostPort, false, nil
		}
		return 0, false, fmt.Errorf("concurrent container start failed for version %s", versionHash)
	}
	defer func() {
		close(startCh)
		m.starting.Delete(versionHash)
	}()

	// Double-checked: another goroutine may have started it while we were
	// waiting to acquire the start slot.
	if rec, alive := m.liveRecord(ctx, versionHash); alive {
		return rec.HostPort, false, nil
	}

	m.stopStaleVersionsFor(agentURL, versionHash)

	hostPort, err = m.startContainer(ctx, agentURL, versionHash)
	if err != nil {
		metrics.ContainerOperationsTotal.WithLabelValues(agentURL, "start", "error").Inc()
		return 0, false, err
	}

	metrics.ContainerOperationsTotal.WithLabelValues(agentURL, "start", "success").Inc()
	metrics.ContainerStartDuration.WithLabelValues(agentURL).Observe(time.Since(start).Seconds())

	return hostPort, true, nil
}

// liveRecord returns the record for versionHash if one exists and the
// runtime confirms it is still running. A dead record is dropped.
func (m *Manager) liveRecord(ctx context.Context, versionHash string) (*Record, bool) {
	m.byVersionLock.RLock()
	rec, exists := m.byVersion[versionHash]
	m.byVersionLock.RUnlock()
	if !exists {
		return nil, false
	}

	info, err := m.docker.ContainerInspect(ctx, rec.ContainerID)
	if err == nil && info.State.Running {
		return rec, true
	}

	m.byVersionLock.Lock()
	delete(m.byVersion, versionHash)
	m.byVersionLock.Unlock()
	metrics.ContainersActive.WithLabelValues(rec.URL).Dec()
	return nil, false
}

func (m *Manager) lookup(versionHash string) *Record {
	m.byVersionLock.RLock()
	defer m.byVersionLock.RUnlock()
	return m.byVersion[versionHash]
}

// stopStaleVersionsFor stops any running container for agentURL whose
// version hash differs from current.
func (m *Manager) stopStaleVersionsFor(agentURL, current string) {
	for _, hash := range m.staleVersionsFor(agentURL, current) {
		slog.Info("Stopping outdated container", "agent_url", agentURL, "version", hash)
		m.stopVersion(hash)
	}
}

// staleVersionsFor returns the tracked version hashes for agentURL
// other than current.
func (m *Manager) staleVersionsFor(agentURL, current string) []string {
	m.byVersionLock.RLock()
	defer m.byVersionLock.RUnlock()

	var stale []string
	for hash, rec := range m.byVersion {
		if rec.URL == agentURL && hash != current {
			stale = append(stale, hash)
		}
	}
	return stale
}

func (m *Manager) stopVersion(versionHash string) {
	m.byVersionLock.Lock()
	rec, exists := m.byVersion[versionHash]
	if !exists {
		m.byVersionLock.Unlock()
		return
	}
	delete(m.byVersion, versionHash)
	m.byVersionLock.Unlock()
	metrics.ContainersActive.WithLabelValues(rec.URL).Dec()

	ctx := context.Background()
	slog.Info("Stopping container", "version", versionHash)

	timeout := 10
	if err := m.docker.ContainerStop(ctx, rec.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("Failed to stop container", "version", versionHash, "error", err)
	}
	if err := m.docker.ContainerRemove(ctx, rec.ContainerID, container.RemoveOptions{Force: true}); err != nil {
		slog.Error("Failed to remove container", "version", versionHash, "error", err)
		metrics.ContainerOperationsTotal.WithLabelValues(rec.URL, "stop", "error").Inc()
		return
	}

	metrics.ContainerOperationsTotal.WithLabelValues(rec.URL, "stop", "success").Inc()
	slog.Info("Removed container", "version", versionHash)
}

func (m *Manager) startContainer(ctx context.Context, agentURL, versionHash string) (int, error) {
	_, tarPath, err := m.images.Ensure(agentURL)
	if err != nil {
		return 0, err
	}

	imageName, err := m.loadImage(tarPath)
	if err != nil {
		return 0, err
	}
	slog.Info("Loaded image", "name", imageName)

	m.portMutex.Lock()
	hostPort := m.nextPort
	m.nextPort++
	m.portMutex.Unlock()

	containerName := fmt.Sprintf("agent-%s", versionHash)

	if existing, err := m.docker.ContainerInspect(ctx, containerName); err == nil {
		slog.Info("Removing orphaned container", "name", containerName)
		m.docker.ContainerRemove(ctx, existing.ID, container.RemoveOptions{Force: true})
	}

	slog.Info("Starting container", "agent_url", agentURL, "version", versionHash, "port", hostPort)

	hostPortStr := fmt.Sprintf("%d", hostPort)

	var envVars []string
	if m.sandboxNetwork != nil && m.sandboxNetwork.LLMProxyPort > 0 {
		llmBaseURL := fmt.Sprintf("http://%s:%d/v1", m.sandboxNetwork.Gateway, m.sandboxNetwork.LLMProxyPort)
		envVars = append(envVars,
			"OPENAI_API_BASE="+llmBaseURL,
			"OPENAI_BASE_URL="+llmBaseURL,
			"LLM_API_BASE="+llmBaseURL,
			"OPENAI_API_KEY=sk-proxy-injected",
		)
	}
	if m.agentRegistryAddr != "" {
		envVars = append(envVars, "AGENT_REGISTRY_CONTRACT="+m.agentRegistryAddr)
	}

	containerConfig := &container.Config{
		Image: imageName,
		Env:   envVars,
		ExposedPorts: nat.PortSet{
			"80/tcp": struct{}{},
		},
		Labels: map[string]string{
			"agent-runner.version-hash": versionHash,
			"agent-runner.url":          agentURL,
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			"80/tcp": []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: hostPortStr},
			},
		},
		Runtime: m.runtime,
	}

	var networkConfig *network.NetworkingConfig
	if m.sandboxNetwork != nil {
		networkConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				m.sandboxNetwork.Name: {},
			},
		}
	}

	resp, err := m.docker.ContainerCreate(ctx, containerConfig, hostConfig, networkConfig, nil, containerName)
	if err != nil {
		return 0, fmt.Errorf("create container: %w", err)
	}

	if err := m.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		m.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return 0, fmt.Errorf("start container: %w", err)
	}

	m.streamContainerLogs(resp.ID, versionHash, agentURL)

	if err := m.waitForReady(hostPort, 30, time.Second); err != nil {
		m.docker.ContainerStop(ctx, resp.ID, container.StopOptions{})
		m.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return 0, err
	}

	m.byVersionLock.Lock()
	m.byVersion[versionHash] = &Record{
		ContainerID: resp.ID,
		HostPort:    hostPort,
		URL:         agentURL,
		VersionHash: versionHash,
		StartedAt:   time.Now(),
	}
	m.byVersionLock.Unlock()
	metrics.ContainersActive.WithLabelValues(agentURL).Inc()

	slog.Info("Container started", "url", fmt.Sprintf("http://localhost:%d", hostPort))
	return hostPort, nil
}

var loadedImageRe = regexp.MustCompile(`Loaded image[: ]+([^\s"\\]+)`)

func (m *Manager) loadImage(tarPath string) (string, error) {
	file, err := os.Open(tarPath)
	if err != nil {
		return "", fmt.Errorf("open tar file: %w", err)
	}
	defer file.Close()

	resp, err := m.docker.ImageLoad(context.Background(), file, true)
	if err != nil {
		return "", fmt.Errorf("load image: %w", err)
	}
	defer resp.Body.Close()

	var output bytes.Buffer
	io.Copy(&output, resp.Body)

	return parseLoadedImageName(output.String())
}

// parseLoadedImageName extracts the loaded image tag from Docker's
// ImageLoad response stream, which is either a plain "Loaded image: <tag>"
// line or a sequence of {"stream": "..."} JSON lines carrying that text.
func parseLoadedImageName(outputStr string) (string, error) {
	if match := loadedImageRe.FindStringSubmatch(outputStr); match != nil {
		return match[1], nil
	}

	scanner := bufio.NewScanner(strings.NewReader(outputStr))
	for scanner.Scan() {
		var jsonLine struct {
			Stream string `json:"stream"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &jsonLine); err == nil && jsonLine.Stream != "" {
			if match := loadedImageRe.FindStringSubmatch(jsonLine.Stream); match != nil {
				return match[1], nil
			}
		}
	}

	return "", fmt.Errorf("could not parse image name from: %s", outputStr)
}

func (m *Manager) waitForReady(port int, maxAttempts int, delay time.Duration) error {
	probe := &http.Client{Timeout: 2 * time.Second}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := probe.Get(fmt.Sprintf("http://localhost:%d/", port))
		if err == nil {
			resp.Body.Close()
			slog.Debug("Container ready", "port", port, "attempts", attempt)
			return nil
		}
		if attempt == maxAttempts {
			return fmt.Errorf("container did not become ready after %d attempts", maxAttempts)
		}
		time.Sleep(delay)
	}
	return nil
}

// streamContainerLogs attaches to a container's combined stdout/stderr
// stream and forwards each line to the structured logger.
func (m *Manager) streamContainerLogs(containerID, versionHash, agentURL string) {
	go func() {
		logs, err := m.docker.ContainerLogs(context.Background(), containerID, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
			Timestamps: true,
		})
		if err != nil {
			slog.Error("Failed to attach to container logs", "version", versionHash, "error", err)
			return
		}
		defer logs.Close()

		reader := bufio.NewReader(logs)
		for {
			header := make([]byte, 8)
			if _, err := io.ReadFull(reader, header); err != nil {
				if err != io.EOF {
					slog.Debug("Container log stream ended", "version", versionHash, "error", err)
				}
				return
			}

			streamType := header[0]
			size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
			if size == 0 {
				continue
			}

			payload := make([]byte, size)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return
			}

			line := strings.TrimSpace(string(payload))
			if line == "" {
				continue
			}
			if streamType == 2 {
				slog.Error("Container stderr", "version", versionHash, "agent_url", agentURL, "message", line)
			} else {
				slog.Info("Container stdout", "version", versionHash, "agent_url", agentURL, "message", line)
			}
		}
	}()
}

// Stop stops and removes the container running versionHash, if any.
func (m *Manager) Stop(versionHash string) {
	m.stopVersion(versionHash)
}

// Cleanup stops and removes every container the manager is tracking.
// Used on process shutdown.
func (m *Manager) Cleanup() {
	slog.Info("Cleaning up containers")

	m.byVersionLock.Lock()
	records := m.byVersion
	m.byVersion = make(map[string]*Record)
	m.byVersionLock.Unlock()

	ctx := context.Background()
	for versionHash, rec := range records {
		timeout := 10
		if err := m.docker.ContainerStop(ctx, rec.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
			slog.Warn("Failed to stop container", "version", versionHash, "error", err)
		}
		if err := m.docker.ContainerRemove(ctx, rec.ContainerID, container.RemoveOptions{Force: true}); err != nil {
			slog.Error("Failed to remove container", "version", versionHash, "error", err)
			metrics.ContainerOperationsTotal.WithLabelValues(rec.URL, "stop", "error").Inc()
		} else {
			slog.Info("Removed container", "version", versionHash)
			metrics.ContainerOperationsTotal.WithLabelValues(rec.URL, "stop", "success").Inc()
		}
		metrics.ContainersActive.WithLabelValues(rec.URL).Dec()
	}
}
