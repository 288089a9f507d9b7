// File: internal/runtime/runtime.go
// Brief: Container runtime adapter driving the docker CLI.

package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/example/trinoctl/internal/resources"
)

// runnerFunc executes one CLI invocation. Tests swap it for a fake.
type runnerFunc func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	err := cmd.Run()
	return out.Bytes(), errOut.Bytes(), err
}

// Options configure the adapter.
type Options struct {
	// Binary is the runtime CLI, "docker" when empty.
	Binary string

	// Parallel caps concurrent CLI invocations. Zero means no cap.
	// Bursts of inspect calls during health polling can otherwise
	// starve the daemon on small machines.
	Parallel int64
}

// Client shells out to the container runtime CLI. All mutating and
// querying operations go through it so the rest of the tool never
// constructs runtime commands itself.
type Client struct {
	bin string
	log logr.Logger
	sem *semaphore.Weighted
	run runnerFunc
}

// New returns a CLI-backed client.
func New(log logr.Logger, opts Options) *Client {
	bin := opts.Binary
	if bin == "" {
		bin = "docker"
	}
	c := &Client{bin: bin, log: log, run: runCommand}
	if opts.Parallel > 0 {
		c.sem = semaphore.NewWeighted(opts.Parallel)
	}
	return c
}

func (c *Client) docker(ctx context.Context, args ...string) ([]byte, error) {
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer c.sem.Release(1)
	}
	c.log.V(1).Info("runtime command", "args", strings.Join(args, " "))
	out, errOut, err := c.run(ctx, c.bin, args...)
	if err != nil {
		detail := lastLine(errOut)
		if detail == "" {
			detail = err.Error()
		}
		return nil, errors.Wrapf(err, "%s %s: %s", c.bin, strings.Join(args, " "), detail)
	}
	return out, nil
}

// ComposeUp starts the named services from an already rendered
// description. Dependency ordering is the scheduler's job, so compose's
// own is disabled.
func (c *Client) ComposeUp(ctx context.Context, file, project string, services ...string) error {
	args := []string{"compose", "-f", file, "-p", project, "up", "-d", "--no-deps"}
	args = append(args, services...)
	_, err := c.docker(ctx, args...)
	return err
}

// Status is one container's runtime state.
type Status struct {
	State  string // running, exited, created, missing, ...
	Health string // healthy, unhealthy, starting, or none
}

func (s Status) Running() bool { return s.State == "running" }

// Healthy reports whether the container counts as up: a passing health
// check, or simply running when the service defines none.
func (s Status) Healthy() bool {
	return s.State == "running" && (s.Health == "healthy" || s.Health == "none")
}

// ServiceStatus inspects the container backing one compose service.
// A service with no container yet reports State "missing".
func (c *Client) ServiceStatus(ctx context.Context, file, project, service string) (Status, error) {
	out, err := c.docker(ctx, "compose", "-f", file, "-p", project, "ps", "-a", "-q", service)
	if err != nil {
		return Status{}, err
	}
	ids := splitLines(out)
	if len(ids) == 0 {
		return Status{State: "missing", Health: "none"}, nil
	}
	format := "{{.State.Status}}\t{{if .State.Health}}{{.State.Health.Status}}{{else}}none{{end}}"
	out, err = c.docker(ctx, "inspect", "--format", format, ids[0])
	if err != nil {
		return Status{}, err
	}
	state, health, _ := strings.Cut(strings.TrimSpace(string(out)), "\t")
	if health == "" {
		health = "none"
	}
	return Status{State: state, Health: health}, nil
}

// ContainerLogs returns the last tail lines of a compose service's
// container, for failure diagnostics.
func (c *Client) ContainerLogs(ctx context.Context, file, project, service string, tail int) (string, error) {
	if tail <= 0 {
		tail = 50
	}
	args := []string{"compose", "-f", file, "-p", project, "logs", "--no-color", "--tail", strconv.Itoa(tail), service}
	out, err := c.docker(ctx, args...)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ListContainers implements resources.Runtime over docker ps + inspect.
// Listing goes by label filter; inspect supplies the full label map so
// reconciliation can re-check the management marker itself.
func (c *Client) ListContainers(ctx context.Context, filters []string) ([]resources.Resource, error) {
	ids, err := c.listIDs(ctx, append([]string{"ps", "-a", "-q"}, filterArgs(filters)...))
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	args := append([]string{"inspect", "--format", "{{.Id}}\t{{.Name}}\t{{json .Config.Labels}}"}, ids...)
	out, err := c.docker(ctx, args...)
	if err != nil {
		return nil, err
	}
	return parseResources(out, resources.KindContainer)
}

// ListVolumes implements resources.Runtime over docker volume ls + inspect.
func (c *Client) ListVolumes(ctx context.Context, filters []string) ([]resources.Resource, error) {
	names, err := c.listIDs(ctx, append([]string{"volume", "ls", "-q"}, filterArgs(filters)...))
	if err != nil || len(names) == 0 {
		return nil, err
	}
	args := append([]string{"volume", "inspect", "--format", "{{.Name}}\t{{.Name}}\t{{json .Labels}}"}, names...)
	out, err := c.docker(ctx, args...)
	if err != nil {
		return nil, err
	}
	return parseResources(out, resources.KindVolume)
}

// ListNetworks implements resources.Runtime over docker network ls + inspect.
func (c *Client) ListNetworks(ctx context.Context, filters []string) ([]resources.Resource, error) {
	ids, err := c.listIDs(ctx, append([]string{"network", "ls", "-q"}, filterArgs(filters)...))
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	args := append([]string{"network", "inspect", "--format", "{{.Id}}\t{{.Name}}\t{{json .Labels}}"}, ids...)
	out, err := c.docker(ctx, args...)
	if err != nil {
		return nil, err
	}
	return parseResources(out, resources.KindNetwork)
}

// StopContainer stops one container gracefully, honoring its stop
// signal and grace period.
func (c *Client) StopContainer(ctx context.Context, id string) error {
	_, err := c.docker(ctx, "stop", id)
	return err
}

// KillContainer terminates one container immediately with SIGKILL.
func (c *Client) KillContainer(ctx context.Context, id string) error {
	_, err := c.docker(ctx, "kill", id)
	return err
}

// ImageLabels inspects one local image and reports its label map.
// Images not present locally report found false rather than an error,
// since callers iterate rendered image lists that often include
// never-pulled references.
func (c *Client) ImageLabels(ctx context.Context, ref string) (labels map[string]string, found bool, err error) {
	out, err := c.docker(ctx, "image", "inspect", "--format", "{{json .Config.Labels}}", ref)
	if err != nil {
		if strings.Contains(err.Error(), "No such image") {
			return nil, false, nil
		}
		return nil, false, err
	}
	labels = map[string]string{}
	raw := strings.TrimSpace(string(out))
	if raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &labels); err != nil {
			return nil, false, errors.Wrapf(err, "parse labels of %s", ref)
		}
	}
	return labels, true, nil
}

// RemoveImage deletes one image. Force untags and removes it even when
// stopped containers still reference it.
func (c *Client) RemoveImage(ctx context.Context, ref string, force bool) error {
	args := []string{"rmi"}
	if force {
		args = append(args, "-f")
	}
	_, err := c.docker(ctx, append(args, ref)...)
	return err
}

// RemoveContainer force-removes one container.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	_, err := c.docker(ctx, "rm", "-f", id)
	return err
}

// RemoveVolume removes one named volume. In-use volumes fail.
func (c *Client) RemoveVolume(ctx context.Context, name string) error {
	_, err := c.docker(ctx, "volume", "rm", name)
	return err
}

// RemoveNetwork removes one network.
func (c *Client) RemoveNetwork(ctx context.Context, id string) error {
	_, err := c.docker(ctx, "network", "rm", id)
	return err
}

func (c *Client) listIDs(ctx context.Context, args []string) ([]string, error) {
	out, err := c.docker(ctx, args...)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func filterArgs(filters []string) []string {
	out := make([]string, 0, 2*len(filters))
	for _, f := range filters {
		out = append(out, "--filter", f)
	}
	return out
}

// parseResources decodes inspect output shaped id<TAB>name<TAB>labelsJSON,
// one resource per line.
func parseResources(out []byte, kind resources.Kind) ([]resources.Resource, error) {
	var list []resources.Resource
	for _, line := range splitLines(out) {
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			return nil, errors.Errorf("unexpected inspect line %q", line)
		}
		labels := map[string]string{}
		if parts[2] != "" && parts[2] != "null" {
			if err := json.Unmarshal([]byte(parts[2]), &labels); err != nil {
				return nil, errors.Wrapf(err, "parse labels of %s", parts[0])
			}
		}
		list = append(list, resources.Resource{
			Kind:   kind,
			ID:     parts[0],
			Name:   strings.TrimPrefix(parts[1], "/"),
			Labels: labels,
		})
	}
	return list, nil
}

func splitLines(b []byte) []string {
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// lastLine picks the final nonempty stderr line, which is where the
// docker CLI puts the actual failure.
func lastLine(b []byte) string {
	lines := splitLines(b)
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

// IsDaemonUnavailable reports whether err reads like the runtime
// daemon being stopped or unreachable, across the phrasings the docker
// CLI uses for it.
func IsDaemonUnavailable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Cannot connect to the Docker daemon") ||
		strings.Contains(msg, "Is the docker daemon running") ||
		strings.Contains(msg, "docker daemon is not running") ||
		strings.Contains(msg, "error during connect")
}
