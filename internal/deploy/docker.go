package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

const (
	labelTarget  = "conveyor.target"
	labelVersion = "conveyor.version"
)

var containerNameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// CommandRunner runs the docker CLI and returns its combined output.
type CommandRunner func(ctx context.Context, bin string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, bin string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, bin, args...).CombinedOutput()
}

// DockerPlatform runs one container per version, labelled with its target.
// Only the newest healthy container of a target is left running.
type DockerPlatform struct {
	dockerBin string
	network   string
	run       CommandRunner
}

func NewDockerPlatform(dockerBin, network string) (*DockerPlatform, error) {
	dockerBin = strings.TrimSpace(dockerBin)
	if dockerBin == "" {
		dockerBin = "docker"
	}
	if _, err := exec.LookPath(dockerBin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	return &DockerPlatform{dockerBin: dockerBin, network: strings.TrimSpace(network), run: execRunner}, nil
}

// NewDockerPlatformWithRunner is NewDockerPlatform without the binary lookup.
func NewDockerPlatformWithRunner(dockerBin, network string, run CommandRunner) *DockerPlatform {
	if strings.TrimSpace(dockerBin) == "" {
		dockerBin = "docker"
	}
	return &DockerPlatform{dockerBin: dockerBin, network: strings.TrimSpace(network), run: run}
}

func (p *DockerPlatform) Kind() string {
	return "docker"
}

func containerName(target, version string) string {
	return containerNameUnsafe.ReplaceAllString("conveyor-"+target+"-"+version, "-")
}

func (p *DockerPlatform) Deploy(ctx context.Context, rel Release) (Handle, error) {
	image := strings.TrimSpace(rel.Artifact.Ref)
	if image == "" {
		return nil, errors.New("image ref is required")
	}
	name := containerName(rel.Target, rel.VersionID)
	args := []string{
		"run",
		"--detach",
		"--name", name,
		"--label", labelTarget + "=" + rel.Target,
		"--label", labelVersion + "=" + rel.VersionID,
		"-e", "CONVEYOR_TARGET=" + rel.Target,
		"-e", "CONVEYOR_VERSION=" + rel.VersionID,
		"-e", "CONVEYOR_REVISION=" + rel.Artifact.Revision,
	}
	if p.network != "" {
		args = append(args, "--network", p.network)
	}
	args = append(args, image)

	if out, err := p.run(ctx, p.dockerBin, args...); err != nil {
		p.remove(context.WithoutCancel(ctx), name)
		return nil, fmt.Errorf("docker run failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	handle := Handle{"container": name, "image": image, "version": rel.VersionID}
	if err := p.Verify(ctx, handle); err != nil {
		p.remove(context.WithoutCancel(ctx), name)
		return nil, err
	}
	if err := p.stopOthers(ctx, rel.Target, name); err != nil {
		return nil, err
	}
	return handle, nil
}

type dockerInspectState struct {
	Status   string `json:"Status"`
	Running  bool   `json:"Running"`
	ExitCode int    `json:"ExitCode"`
}

// Verify requires the container to be running.
func (p *DockerPlatform) Verify(ctx context.Context, h Handle) error {
	name := strings.TrimSpace(h["container"])
	if name == "" {
		return errors.New("docker container name is required")
	}
	out, err := p.run(ctx, p.dockerBin, "inspect", "--format", "{{json .State}}", name)
	if err != nil {
		return fmt.Errorf("docker inspect failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	var state dockerInspectState
	if err := json.Unmarshal(out, &state); err != nil {
		return fmt.Errorf("parse docker inspect: %w", err)
	}
	if !state.Running {
		return fmt.Errorf("container %s is %s (exit code %d)", name, state.Status, state.ExitCode)
	}
	return nil
}

func (p *DockerPlatform) Rollback(ctx context.Context, target string, to Handle) error {
	name := strings.TrimSpace(to["container"])
	if name == "" {
		return errors.New("handle has no container")
	}
	if out, err := p.run(ctx, p.dockerBin, "start", name); err != nil {
		return fmt.Errorf("docker start failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	if err := p.Verify(ctx, to); err != nil {
		return err
	}
	return p.stopOthers(ctx, target, name)
}

func (p *DockerPlatform) stopOthers(ctx context.Context, target, keep string) error {
	out, err := p.run(ctx, p.dockerBin, "ps", "--filter", "label="+labelTarget+"="+target, "--format", "{{.Names}}")
	if err != nil {
		return fmt.Errorf("docker ps failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	for _, name := range strings.Fields(string(out)) {
		if name == keep {
			continue
		}
		if out, err := p.run(ctx, p.dockerBin, "stop", name); err != nil {
			return fmt.Errorf("docker stop %s failed: %w: %s", name, err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}

func (p *DockerPlatform) remove(ctx context.Context, name string) {
	_, _ = p.run(ctx, p.dockerBin, "rm", "--force", name)
}
