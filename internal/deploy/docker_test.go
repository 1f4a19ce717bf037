package deploy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/animus-labs/conveyor/internal/domain"
)

type fakeDocker struct {
	mu      sync.Mutex
	calls   []string
	running map[string]bool
	failRun bool
}

func newFakeDocker(running ...string) *fakeDocker {
	f := &fakeDocker{running: make(map[string]bool)}
	for _, name := range running {
		f.running[name] = true
	}
	return f
}

func (f *fakeDocker) run(_ context.Context, bin string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, strings.Join(args, " "))
	switch args[0] {
	case "run":
		if f.failRun {
			return []byte("pull access denied"), errors.New("exit status 125")
		}
		for i, a := range args {
			if a == "--name" {
				f.running[args[i+1]] = true
			}
		}
		return []byte("abc\n"), nil
	case "inspect":
		name := args[len(args)-1]
		if f.running[name] {
			return []byte(`{"Status":"running","Running":true,"ExitCode":0}`), nil
		}
		return []byte(`{"Status":"exited","Running":false,"ExitCode":1}`), nil
	case "ps":
		var names []string
		for name, up := range f.running {
			if up {
				names = append(names, name)
			}
		}
		return []byte(strings.Join(names, "\n")), nil
	case "stop":
		f.running[args[1]] = false
		return nil, nil
	case "start":
		f.running[args[1]] = true
		return nil, nil
	case "rm":
		delete(f.running, args[len(args)-1])
		return nil, nil
	}
	return nil, errors.New("unexpected docker call: " + args[0])
}

func (f *fakeDocker) history() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.calls, "\n")
}

func TestDockerPlatform_DeployStopsPrevious(t *testing.T) {
	fake := newFakeDocker("conveyor-prod-v1")
	p := NewDockerPlatformWithRunner("docker", "apps", fake.run)

	h, err := p.Deploy(context.Background(), Release{
		Target:    "prod",
		VersionID: "v2",
		Artifact:  domain.Artifact{Ref: "registry.local/app:abc123", Revision: "abc123"},
	})
	if err != nil {
		t.Fatalf("Deploy() err=%v", err)
	}
	if h["container"] != "conveyor-prod-v2" || h["image"] != "registry.local/app:abc123" {
		t.Fatalf("Deploy() handle=%v", h)
	}
	calls := fake.history()
	for _, want := range []string{
		"--label conveyor.target=prod",
		"--label conveyor.version=v2",
		"--network apps",
		"stop conveyor-prod-v1",
	} {
		if !strings.Contains(calls, want) {
			t.Fatalf("docker calls missing %q:\n%s", want, calls)
		}
	}
	if fake.running["conveyor-prod-v1"] || !fake.running["conveyor-prod-v2"] {
		t.Fatalf("running=%v, want only v2", fake.running)
	}
}

func TestDockerPlatform_RunFailureRemovesContainer(t *testing.T) {
	fake := newFakeDocker("conveyor-prod-v1")
	fake.failRun = true
	p := NewDockerPlatformWithRunner("", "", fake.run)

	_, err := p.Deploy(context.Background(), Release{Target: "prod", VersionID: "v2", Artifact: domain.Artifact{Ref: "app:bad"}})
	if err == nil || !strings.Contains(err.Error(), "pull access denied") {
		t.Fatalf("Deploy() err=%v, want docker output", err)
	}
	if !strings.Contains(fake.history(), "rm --force conveyor-prod-v2") {
		t.Fatalf("failed container was not removed:\n%s", fake.history())
	}
	if !fake.running["conveyor-prod-v1"] {
		t.Fatalf("previous container should keep running")
	}
}

func TestDockerPlatform_Rollback(t *testing.T) {
	fake := newFakeDocker("conveyor-prod-v2")
	fake.running["conveyor-prod-v1"] = false
	p := NewDockerPlatformWithRunner("docker", "", fake.run)

	if err := p.Rollback(context.Background(), "prod", Handle{"container": "conveyor-prod-v1"}); err != nil {
		t.Fatalf("Rollback() err=%v", err)
	}
	if !fake.running["conveyor-prod-v1"] || fake.running["conveyor-prod-v2"] {
		t.Fatalf("running=%v, want only v1", fake.running)
	}
	if err := p.Rollback(context.Background(), "prod", Handle{}); err == nil {
		t.Fatalf("Rollback(empty handle) should fail")
	}
}

func TestContainerName(t *testing.T) {
	if got := containerName("team/api", "v3"); got != "conveyor-team-api-v3" {
		t.Fatalf("containerName()=%q", got)
	}
}
