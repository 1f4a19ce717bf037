package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/animus-labs/conveyor/internal/domain"
)

// CommandBuilder runs a target's build command. Secrets reach the child only
// through its environment; the deployer's own environment is not inherited
// beyond PATH and HOME.
type CommandBuilder struct {
	WorkDir string
	BaseEnv []string
	Logger  *slog.Logger
}

func NewCommandBuilder(workDir string, logger *slog.Logger) *CommandBuilder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var base []string
	for _, key := range []string{"PATH", "HOME", "TMPDIR"} {
		if v, ok := os.LookupEnv(key); ok {
			base = append(base, key+"="+v)
		}
	}
	return &CommandBuilder{WorkDir: workDir, BaseEnv: base, Logger: logger}
}

func (b *CommandBuilder) Build(ctx context.Context, job Job) (domain.Artifact, error) {
	artifact, err := artifactFor(job)
	if err != nil {
		return domain.Artifact{}, err
	}
	if len(job.Target.Build.Command) == 0 {
		return StaticBuilder{}.Build(ctx, job)
	}

	argv := make([]string, 0, len(job.Target.Build.Command))
	for _, arg := range job.Target.Build.Command {
		argv = append(argv, RenderTemplate(arg, job.Build))
	}

	scratch, err := os.MkdirTemp("", "conveyor-build-")
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)
	digestFile := filepath.Join(scratch, "digest")

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = b.dir(job)
	cmd.Env = append(append([]string(nil), b.BaseEnv...),
		"CONVEYOR_BUILD_ID="+job.Build.ID,
		"CONVEYOR_REVISION="+job.Build.Revision,
		"CONVEYOR_TARGET="+job.Build.Target,
		"CONVEYOR_REF="+job.Build.Ref,
		"CONVEYOR_ARTIFACT="+artifact.Ref,
		"CONVEYOR_DIGEST_FILE="+digestFile,
	)
	if job.Scope != nil {
		cmd.Env = append(cmd.Env, job.Scope.Env()...)
	}
	out := job.Log
	if out == nil {
		out = io.Discard
	}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 5 * time.Second

	b.Logger.Info("build command started",
		"build_id", job.Build.ID,
		"target", job.Build.Target,
		"command", argv[0],
	)
	fmt.Fprintf(out, "$ %s\n", strings.Join(argv, " "))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Artifact{}, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return domain.Artifact{}, fmt.Errorf("build command exited with code %d", exitErr.ExitCode())
		}
		return domain.Artifact{}, fmt.Errorf("build command failed: %w", err)
	}

	if raw, err := os.ReadFile(digestFile); err == nil {
		artifact.Digest = strings.TrimSpace(string(raw))
	}
	return artifact, nil
}

func (b *CommandBuilder) dir(job Job) string {
	dir := strings.TrimSpace(job.Target.Build.Dir)
	if dir == "" {
		return b.WorkDir
	}
	if filepath.IsAbs(dir) || b.WorkDir == "" {
		return dir
	}
	return filepath.Join(b.WorkDir, dir)
}
