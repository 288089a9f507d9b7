package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-logr/logr"

	"github.com/example/trinoctl/internal/resources"
)

// fakeCLI records every invocation and answers from a handler.
type fakeCLI struct {
	calls   []string
	handler func(args []string) (string, string, error)
}

func (f *fakeCLI) client() *Client {
	c := New(logr.Discard(), Options{})
	c.run = func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		f.calls = append(f.calls, strings.Join(args, " "))
		if f.handler == nil {
			return nil, nil, nil
		}
		out, errOut, err := f.handler(args)
		return []byte(out), []byte(errOut), err
	}
	return c
}

func TestComposeUpCommandLine(t *testing.T) {
	fake := &fakeCLI{}
	c := fake.client()
	if err := c.ComposeUp(context.Background(), "/render/docker-compose.yaml", "smoke", "postgres", "hive"); err != nil {
		t.Fatalf("up: %v", err)
	}
	want := "compose -f /render/docker-compose.yaml -p smoke up -d --no-deps postgres hive"
	if len(fake.calls) != 1 || fake.calls[0] != want {
		t.Fatalf("calls=%v", fake.calls)
	}
}

func TestServiceStatus(t *testing.T) {
	fake := &fakeCLI{handler: func(args []string) (string, string, error) {
		switch args[0] {
		case "compose":
			return "abc123\n", "", nil
		case "inspect":
			return "running\thealthy\n", "", nil
		}
		return "", "", errors.New("unexpected call")
	}}
	c := fake.client()

	st, err := c.ServiceStatus(context.Background(), "f.yaml", "smoke", "trino")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != "running" || st.Health != "healthy" {
		t.Fatalf("status=%+v", st)
	}
	if !st.Running() || !st.Healthy() {
		t.Fatalf("predicates wrong for %+v", st)
	}
}

func TestServiceStatusWithoutHealthcheck(t *testing.T) {
	fake := &fakeCLI{handler: func(args []string) (string, string, error) {
		if args[0] == "compose" {
			return "abc123\n", "", nil
		}
		return "running\tnone\n", "", nil
	}}
	st, err := fake.client().ServiceStatus(context.Background(), "f.yaml", "smoke", "trino")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Healthy() {
		t.Fatalf("running without healthcheck should count as healthy: %+v", st)
	}
}

func TestServiceStatusMissingContainer(t *testing.T) {
	fake := &fakeCLI{handler: func(args []string) (string, string, error) {
		return "", "", nil
	}}
	st, err := fake.client().ServiceStatus(context.Background(), "f.yaml", "smoke", "trino")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != "missing" {
		t.Fatalf("state=%q", st.State)
	}
	if st.Healthy() {
		t.Fatal("missing container reported healthy")
	}
	if len(fake.calls) != 1 {
		t.Fatalf("inspected a missing container: %v", fake.calls)
	}
}

func TestListContainersParsesInspectOutput(t *testing.T) {
	fake := &fakeCLI{handler: func(args []string) (string, string, error) {
		if args[0] == "ps" {
			return "aaa\nbbb\n", "", nil
		}
		return "aaa\t/smoke-trino-1\t{\"com.starburst.tests\":\"trinoctl\",\"com.starburst.tests.env\":\"smoke\"}\n" +
			"bbb\t/smoke-hive-1\tnull\n", "", nil
	}}
	c := fake.client()

	list, err := c.ListContainers(context.Background(), []string{"label=com.starburst.tests=trinoctl"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("resources=%v", list)
	}
	if list[0].ID != "aaa" || list[0].Name != "smoke-trino-1" || list[0].Kind != resources.KindContainer {
		t.Fatalf("first=%+v", list[0])
	}
	if list[0].Labels["com.starburst.tests.env"] != "smoke" {
		t.Fatalf("labels=%v", list[0].Labels)
	}
	if len(list[1].Labels) != 0 {
		t.Fatalf("null labels should parse empty: %+v", list[1])
	}
	if !strings.Contains(fake.calls[0], "--filter label=com.starburst.tests=trinoctl") {
		t.Fatalf("filter missing: %s", fake.calls[0])
	}
}

func TestListVolumesSkipsInspectWhenEmpty(t *testing.T) {
	fake := &fakeCLI{handler: func(args []string) (string, string, error) {
		return "\n", "", nil
	}}
	list, err := fake.client().ListVolumes(context.Background(), nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if list != nil {
		t.Fatalf("list=%v", list)
	}
	if len(fake.calls) != 1 {
		t.Fatalf("calls=%v", fake.calls)
	}
}

func TestStopAndKillContainer(t *testing.T) {
	fake := &fakeCLI{}
	c := fake.client()
	if err := c.StopContainer(context.Background(), "aaa"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := c.KillContainer(context.Background(), "bbb"); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if len(fake.calls) != 2 || fake.calls[0] != "stop aaa" || fake.calls[1] != "kill bbb" {
		t.Fatalf("calls=%v", fake.calls)
	}
}

func TestImageLabels(t *testing.T) {
	fake := &fakeCLI{handler: func(args []string) (string, string, error) {
		return "{\"com.starburst.tests\":\"trinoctl\"}\n", "", nil
	}}
	labels, found, err := fake.client().ImageLabels(context.Background(), "trinodb/trino:460")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !found {
		t.Fatal("image should be found")
	}
	if labels["com.starburst.tests"] != "trinoctl" {
		t.Fatalf("labels=%v", labels)
	}
}

func TestImageLabelsMissingImage(t *testing.T) {
	fake := &fakeCLI{handler: func(args []string) (string, string, error) {
		return "", "Error: No such image: trinodb/trino:460\n", errors.New("exit status 1")
	}}
	_, found, err := fake.client().ImageLabels(context.Background(), "trinodb/trino:460")
	if err != nil {
		t.Fatalf("missing image should not error: %v", err)
	}
	if found {
		t.Fatal("missing image reported found")
	}
}

func TestRemoveImageForce(t *testing.T) {
	fake := &fakeCLI{}
	c := fake.client()
	if err := c.RemoveImage(context.Background(), "trinodb/trino:460", true); err != nil {
		t.Fatalf("rmi: %v", err)
	}
	if err := c.RemoveImage(context.Background(), "postgres:16", false); err != nil {
		t.Fatalf("rmi: %v", err)
	}
	if fake.calls[0] != "rmi -f trinodb/trino:460" || fake.calls[1] != "rmi postgres:16" {
		t.Fatalf("calls=%v", fake.calls)
	}
}

func TestIsDaemonUnavailable(t *testing.T) {
	fake := &fakeCLI{handler: func(args []string) (string, string, error) {
		return "", "Cannot connect to the Docker daemon at unix:///var/run/docker.sock. Is the docker daemon running?\n", errors.New("exit status 1")
	}}
	err := fake.client().StopContainer(context.Background(), "aaa")
	if !IsDaemonUnavailable(err) {
		t.Fatalf("daemon-down error not classified: %v", err)
	}
	if IsDaemonUnavailable(errors.New("volume is in use")) {
		t.Fatal("unrelated error classified as daemon-down")
	}
}

func TestErrorsCarryStderrDetail(t *testing.T) {
	fake := &fakeCLI{handler: func(args []string) (string, string, error) {
		return "", "Error response from daemon: volume is in use\n", errors.New("exit status 1")
	}}
	err := fake.client().RemoveVolume(context.Background(), "warehouse")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "volume is in use") {
		t.Fatalf("err=%v", err)
	}
	if !strings.Contains(err.Error(), "volume rm warehouse") {
		t.Fatalf("command line missing: %v", err)
	}
}
