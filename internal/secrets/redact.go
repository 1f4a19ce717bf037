package secrets

import (
	"bytes"
	"io"
	"sort"
	"strings"
	"sync"
)

const Mask = "[REDACTED]"

// Redactor masks the values of every live scope. It holds references to the
// scope-owned buffers, never copies, so a released scope leaves nothing behind.
type Redactor struct {
	mu   sync.RWMutex
	next uint64
	sets map[uint64][][]byte
}

func NewRedactor() *Redactor {
	return &Redactor{sets: make(map[uint64][][]byte)}
}

func (r *Redactor) register(values [][]byte) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.sets[r.next] = values
	return r.next
}

func (r *Redactor) unregister(token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sets, token)
}

// Active reports how many scopes are currently registered.
func (r *Redactor) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sets)
}

func (r *Redactor) Redact(s string) string {
	if r == nil || s == "" {
		return s
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return redactString(s, r.valuesLocked())
}

func (r *Redactor) RedactBytes(b []byte) []byte {
	if r == nil || len(b) == 0 {
		return b
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return redactBytes(b, r.valuesLocked())
}

func (r *Redactor) valuesLocked() [][]byte {
	var out [][]byte
	for _, set := range r.sets {
		out = append(out, set...)
	}
	return out
}

func redactString(s string, values [][]byte) string {
	for _, v := range longestFirst(values) {
		s = strings.ReplaceAll(s, string(v), Mask)
	}
	return s
}

func redactBytes(b []byte, values [][]byte) []byte {
	for _, v := range longestFirst(values) {
		b = bytes.ReplaceAll(b, v, []byte(Mask))
	}
	return b
}

func longestFirst(values [][]byte) [][]byte {
	out := make([][]byte, 0, len(values))
	for _, v := range values {
		if len(v) == 0 {
			continue
		}
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// StreamWriter redacts a byte stream without relying on line breaks, so
// values that span lines or writes are still masked. It holds back at most
// len(longest value)-1 bytes between writes; everything before that window
// can no longer start a match and is passed on.
type StreamWriter struct {
	r   *Redactor
	dst io.Writer
	buf []byte
}

func (r *Redactor) Writer(dst io.Writer) *StreamWriter {
	return &StreamWriter{r: r, dst: dst}
}

func (w *StreamWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	redacted, longest := w.r.redactStream(w.buf)
	hold := longest - 1
	if hold < 0 {
		hold = 0
	}
	if len(redacted) <= hold {
		w.buf = redacted
		return len(p), nil
	}
	cut := len(redacted) - hold
	if _, err := w.dst.Write(redacted[:cut]); err != nil {
		return 0, err
	}
	w.buf = append(w.buf[:0], redacted[cut:]...)
	return len(p), nil
}

// Pending reports how many bytes are held back waiting for more input.
func (w *StreamWriter) Pending() int {
	return len(w.buf)
}

func (w *StreamWriter) Close() error {
	if len(w.buf) == 0 {
		return nil
	}
	out, _ := w.r.redactStream(w.buf)
	w.buf = nil
	_, err := w.dst.Write(out)
	return err
}

// redactStream masks b and returns the length of the longest live value, both
// read under one lock so the hold-back window matches the values applied.
func (r *Redactor) redactStream(b []byte) ([]byte, int) {
	if r == nil {
		return append([]byte(nil), b...), 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	values := longestFirst(r.valuesLocked())
	longest := 0
	if len(values) > 0 {
		longest = len(values[0])
	}
	out := append([]byte(nil), b...)
	for _, v := range values {
		out = bytes.ReplaceAll(out, v, []byte(Mask))
	}
	return out, longest
}
