package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/animus-labs/conveyor/internal/domain"
	"gopkg.in/yaml.v3"
)

const SchemaTargetsV1 = "conveyor.targets.v1"

type File struct {
	Schema  string   `yaml:"schema"`
	Targets []Target `yaml:"targets"`
}

type Target struct {
	Name     string             `yaml:"name"`
	Branches []string           `yaml:"branches"`
	Secrets  []domain.SecretRef `yaml:"secrets,omitempty"`
	Build    BuildSpec          `yaml:"build"`
	Deploy   DeploySpec         `yaml:"deploy,omitempty"`
}

type BuildSpec struct {
	Command  []string `yaml:"command,omitempty"`
	Dir      string   `yaml:"dir,omitempty"`
	Artifact string   `yaml:"artifact"`
	Timeout  string   `yaml:"timeout,omitempty"`
}

type DeploySpec struct {
	Namespace  string `yaml:"namespace,omitempty"`
	Deployment string `yaml:"deployment,omitempty"`
	Container  string `yaml:"container,omitempty"`
	Timeout    string `yaml:"timeout,omitempty"`
}

// Catalog is the validated, immutable view of the targets file.
type Catalog struct {
	targets map[string]Target
	byRef   map[string]string
}

func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	return Parse(raw)
}

func Parse(input []byte) (*Catalog, error) {
	var file File
	if err := yaml.Unmarshal(input, &file); err != nil {
		return nil, fmt.Errorf("decode targets: %w", err)
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}

	cat := &Catalog{
		targets: make(map[string]Target, len(file.Targets)),
		byRef:   make(map[string]string),
	}
	for _, t := range file.Targets {
		cat.targets[t.Name] = t
		for _, branch := range t.Branches {
			cat.byRef[normalizeRef(branch)] = t.Name
		}
	}
	return cat, nil
}

func (f File) Validate() error {
	if strings.TrimSpace(f.Schema) != SchemaTargetsV1 {
		return fmt.Errorf("targets.schema must be %q", SchemaTargetsV1)
	}
	if len(f.Targets) == 0 {
		return fmt.Errorf("targets must be non-empty")
	}
	names := make(map[string]struct{}, len(f.Targets))
	refs := make(map[string]string)
	for i, t := range f.Targets {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return fmt.Errorf("targets[%d].name is required", i)
		}
		if name != t.Name {
			return fmt.Errorf("targets[%d].name must not contain surrounding whitespace", i)
		}
		if _, dup := names[name]; dup {
			return fmt.Errorf("targets[%d].name must be unique (duplicate %q)", i, name)
		}
		names[name] = struct{}{}

		for j, branch := range t.Branches {
			ref := normalizeRef(branch)
			if ref == "" {
				return fmt.Errorf("targets[%d].branches[%d] is empty", i, j)
			}
			if owner, taken := refs[ref]; taken {
				return fmt.Errorf("targets[%d].branches[%d] %q already routes to %q", i, j, ref, owner)
			}
			refs[ref] = name
		}

		envs := make(map[string]struct{}, len(t.Secrets))
		for j, ref := range t.Secrets {
			if err := ref.Validate(); err != nil {
				return fmt.Errorf("targets[%d].secrets[%d]: %w", i, j, err)
			}
			if _, dup := envs[ref.EnvVar]; dup {
				return fmt.Errorf("targets[%d].secrets[%d].env %q is duplicated", i, j, ref.EnvVar)
			}
			envs[ref.EnvVar] = struct{}{}
		}

		if strings.TrimSpace(t.Build.Artifact) == "" {
			return fmt.Errorf("targets[%d].build.artifact is required", i)
		}
		if _, err := parseTimeout(t.Build.Timeout, 0); err != nil {
			return fmt.Errorf("targets[%d].build.timeout: %w", i, err)
		}
		if _, err := parseTimeout(t.Deploy.Timeout, 0); err != nil {
			return fmt.Errorf("targets[%d].deploy.timeout: %w", i, err)
		}
	}
	return nil
}

func (c *Catalog) Target(name string) (Target, bool) {
	if c == nil {
		return Target{}, false
	}
	t, ok := c.targets[strings.TrimSpace(name)]
	return t, ok
}

// TargetForRef resolves a pushed ref (refs/heads/main or main) to a target name.
func (c *Catalog) TargetForRef(ref string) (string, bool) {
	if c == nil {
		return "", false
	}
	name, ok := c.byRef[normalizeRef(ref)]
	return name, ok
}

func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.targets))
	for name := range c.targets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// AllowedSecrets returns the secret names a target's builds may read.
func (c *Catalog) AllowedSecrets(target string) map[string]struct{} {
	t, ok := c.Target(target)
	if !ok {
		return nil
	}
	out := make(map[string]struct{}, len(t.Secrets))
	for _, ref := range t.Secrets {
		out[ref.Name] = struct{}{}
	}
	return out
}

func (t Target) BuildTimeout(def time.Duration) time.Duration {
	d, _ := parseTimeout(t.Build.Timeout, def)
	return d
}

func (t Target) DeployTimeout(def time.Duration) time.Duration {
	d, _ := parseTimeout(t.Deploy.Timeout, def)
	return d
}

func parseTimeout(raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def, err
	}
	if d <= 0 {
		return def, fmt.Errorf("must be positive (got %s)", raw)
	}
	return d, nil
}

func normalizeRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if !strings.HasPrefix(ref, "refs/") {
		ref = "refs/heads/" + ref
	}
	return ref
}
