// Package build turns a revision into a deployable artifact.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/animus-labs/conveyor/internal/config"
	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/secrets"
)

// Job is one build execution. Log already redacts secret values; builders
// write everything the build prints to it.
type Job struct {
	Build  domain.BuildRequest
	Target config.Target
	Scope  *secrets.Scope
	Log    io.Writer
}

type Builder interface {
	Build(ctx context.Context, job Job) (domain.Artifact, error)
}

// RenderTemplate expands {revision}, {short_revision}, {target} and {build_id}.
func RenderTemplate(tmpl string, b domain.BuildRequest) string {
	short := b.Revision
	if len(short) > 12 {
		short = short[:12]
	}
	return strings.NewReplacer(
		"{revision}", b.Revision,
		"{short_revision}", short,
		"{target}", b.Target,
		"{build_id}", b.ID,
	).Replace(tmpl)
}

func artifactFor(job Job) (domain.Artifact, error) {
	ref := strings.TrimSpace(RenderTemplate(job.Target.Build.Artifact, job.Build))
	if ref == "" {
		return domain.Artifact{}, errors.New("artifact reference is empty")
	}
	return domain.Artifact{
		Target:   job.Build.Target,
		Revision: job.Build.Revision,
		Ref:      ref,
	}, nil
}

// StaticBuilder runs nothing; the artifact is assumed to be produced by an
// external CI system under the templated reference.
type StaticBuilder struct{}

func (StaticBuilder) Build(ctx context.Context, job Job) (domain.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return domain.Artifact{}, err
	}
	a, err := artifactFor(job)
	if err != nil {
		return domain.Artifact{}, err
	}
	if job.Log != nil {
		fmt.Fprintf(job.Log, "artifact %s (no build command)\n", a.Ref)
	}
	return a, nil
}
