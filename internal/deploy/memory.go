package deploy

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// MemoryPlatform keeps the live artifact per target in memory. It backs the
// noop platform and tests; failures can be injected per target.
type MemoryPlatform struct {
	mu       sync.Mutex
	live     map[string]string
	fail     map[string]error
	rbFail   map[string]error
	block    map[string]bool
	deploys  int
	rollback int
}

func NewMemoryPlatform() *MemoryPlatform {
	return &MemoryPlatform{
		live:   make(map[string]string),
		fail:   make(map[string]error),
		rbFail: make(map[string]error),
		block:  make(map[string]bool),
	}
}

func (p *MemoryPlatform) Kind() string {
	return "noop"
}

// FailNext makes the next Deploy to target return err.
func (p *MemoryPlatform) FailNext(target string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[target] = err
}

// FailRollback makes the next Rollback on target return err.
func (p *MemoryPlatform) FailRollback(target string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rbFail[target] = err
}

// BlockNext makes the next Deploy to target wait for its context to end.
func (p *MemoryPlatform) BlockNext(target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.block[target] = true
}

// Live returns the artifact reference currently serving target.
func (p *MemoryPlatform) Live(target string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live[target]
}

func (p *MemoryPlatform) Counts() (deploys, rollbacks int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deploys, p.rollback
}

func (p *MemoryPlatform) Deploy(ctx context.Context, rel Release) (Handle, error) {
	p.mu.Lock()
	p.deploys++
	err, failing := p.fail[rel.Target]
	delete(p.fail, rel.Target)
	blocking := p.block[rel.Target]
	delete(p.block, rel.Target)
	p.mu.Unlock()

	if blocking {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if failing {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.live[rel.Target] = rel.Artifact.Ref
	return Handle{"artifact": rel.Artifact.Ref, "version": rel.VersionID}, nil
}

func (p *MemoryPlatform) Rollback(_ context.Context, target string, to Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollback++
	if err, ok := p.rbFail[target]; ok {
		delete(p.rbFail, target)
		return err
	}
	ref := strings.TrimSpace(to["artifact"])
	if ref == "" {
		return errors.New("handle has no artifact")
	}
	p.live[target] = ref
	return nil
}
