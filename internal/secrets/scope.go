package secrets

import (
	"sort"
	"sync"

	"github.com/animus-labs/conveyor/internal/domain"
)

type entry struct {
	ref   domain.SecretRef
	value []byte
}

// Scope is the credential set of one build execution. Values live only in
// the scope's own buffers and are zeroed by Release.
type Scope struct {
	buildID string

	mu       sync.Mutex
	entries  []entry
	released bool
	redactor *Redactor
	token    uint64
}

func newScope(buildID string, entries []entry, redactor *Redactor) *Scope {
	s := &Scope{buildID: buildID, entries: entries, redactor: redactor}
	if redactor != nil {
		values := make([][]byte, 0, len(entries))
		for _, e := range entries {
			values = append(values, e.value)
		}
		s.token = redactor.register(values)
	}
	return s
}

func (s *Scope) BuildID() string {
	return s.buildID
}

// Env returns NAME=value pairs for a child process environment. Nil after Release.
func (s *Scope) Env() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.ref.EnvVar+"="+string(e.value))
	}
	return out
}

func (s *Scope) Lookup(envVar string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return "", false
	}
	for _, e := range s.entries {
		if e.ref.EnvVar == envVar {
			return string(e.value), true
		}
	}
	return "", false
}

func (s *Scope) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.ref.Name)
	}
	sort.Strings(out)
	return out
}

// Presence maps each env var to whether it is loaded, never to its value.
func (s *Scope) Presence() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.entries))
	for _, e := range s.entries {
		out[e.ref.EnvVar] = !s.released && len(e.value) > 0
	}
	return out
}

// Redact masks this scope's values in s, independent of other scopes.
func (s *Scope) Redact(text string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := make([][]byte, 0, len(s.entries))
	for _, e := range s.entries {
		values = append(values, e.value)
	}
	return redactString(text, values)
}

func (s *Scope) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Release zeroes every value and drops the redactor registration. Safe to
// call more than once.
func (s *Scope) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	if s.redactor != nil {
		s.redactor.unregister(s.token)
	}
	for i := range s.entries {
		wipe(s.entries[i].value)
		s.entries[i].value = nil
	}
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
