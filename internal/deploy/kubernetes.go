package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/conveyor/internal/platform/k8s"
)

const (
	annotationVersion  = "conveyor.dev/version"
	annotationRevision = "conveyor.dev/revision"
)

// KubernetesPlatform rolls a target out by patching the image of an existing
// Deployment and waiting for the controller to finish.
type KubernetesPlatform struct {
	client       *k8s.Client
	pollInterval time.Duration
}

func NewKubernetesPlatform(client *k8s.Client, pollInterval time.Duration) (*KubernetesPlatform, error) {
	if client == nil {
		return nil, errors.New("kubernetes client is required")
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &KubernetesPlatform{client: client, pollInterval: pollInterval}, nil
}

func (p *KubernetesPlatform) Kind() string {
	return "kubernetes"
}

func (p *KubernetesPlatform) Deploy(ctx context.Context, rel Release) (Handle, error) {
	h := Handle{
		"namespace":  firstNonEmpty(rel.Settings.Namespace, p.client.Namespace()),
		"deployment": firstNonEmpty(rel.Settings.Deployment, rel.Target),
		"container":  firstNonEmpty(rel.Settings.Container, rel.Target),
		"image":      strings.TrimSpace(rel.Artifact.Ref),
		"version":    rel.VersionID,
		"revision":   rel.Artifact.Revision,
	}
	if err := p.apply(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

func (p *KubernetesPlatform) Rollback(ctx context.Context, _ string, to Handle) error {
	if strings.TrimSpace(to["image"]) == "" {
		return errors.New("handle has no image")
	}
	return p.apply(ctx, to)
}

func (p *KubernetesPlatform) apply(ctx context.Context, h Handle) error {
	annotations := map[string]string{annotationVersion: h["version"]}
	if h["revision"] != "" {
		annotations[annotationRevision] = h["revision"]
	}
	patched, err := p.client.SetContainerImage(ctx, h["namespace"], h["deployment"], h["container"], h["image"], annotations)
	if err != nil {
		return fmt.Errorf("patch deployment %s/%s: %w", h["namespace"], h["deployment"], err)
	}
	return p.wait(ctx, h, patched.Metadata.Generation)
}

// wait polls until the controller reports the patched generation complete.
func (p *KubernetesPlatform) wait(ctx context.Context, h Handle, generation int64) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		d, err := p.client.GetDeployment(ctx, h["namespace"], h["deployment"])
		if err != nil {
			return fmt.Errorf("get deployment %s/%s: %w", h["namespace"], h["deployment"], err)
		}
		if msg, failed := d.ProgressDeadlineExceeded(); failed {
			return fmt.Errorf("rollout of %s stalled: %s", h["deployment"], msg)
		}
		if d.Metadata.Generation >= generation && d.RolloutComplete() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
