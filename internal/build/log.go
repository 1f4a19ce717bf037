package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/platform/objectstore"
)

const truncatedMarker = "\n[log truncated]\n"

// LogBuffer keeps the first Limit bytes of a build log.
type LogBuffer struct {
	Limit int

	mu        sync.Mutex
	buf       bytes.Buffer
	truncated bool
}

func NewLogBuffer(limit int) *LogBuffer {
	if limit <= 0 {
		limit = 4 << 20
	}
	return &LogBuffer{Limit: limit}
}

func (l *LogBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	room := l.Limit - l.buf.Len()
	switch {
	case room <= 0:
		l.truncated = true
	case len(p) > room:
		l.buf.Write(p[:room])
		l.truncated = true
	default:
		l.buf.Write(p)
	}
	return len(p), nil
}

func (l *LogBuffer) Bytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := append([]byte(nil), l.buf.Bytes()...)
	if l.truncated {
		out = append(out, truncatedMarker...)
	}
	return out
}

// Tail returns at most n trailing bytes of the log.
func (l *LogBuffer) Tail(n int) string {
	b := l.Bytes()
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

// LogArchive stores redacted build logs under builds/<target>/<build_id>.log.
type LogArchive struct {
	store  objectstore.Store
	bucket string
}

func NewLogArchive(store objectstore.Store, bucket string) (*LogArchive, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &LogArchive{store: store, bucket: bucket}, nil
}

func LogKey(b domain.BuildRequest) string {
	return fmt.Sprintf("builds/%s/%s.log", b.Target, b.ID)
}

func (a *LogArchive) Upload(ctx context.Context, b domain.BuildRequest, log []byte) (string, error) {
	key := LogKey(b)
	if err := a.store.Put(ctx, a.bucket, key, bytes.NewReader(log), int64(len(log)), "text/plain; charset=utf-8"); err != nil {
		return "", fmt.Errorf("upload build log: %w", err)
	}
	return key, nil
}

func (a *LogArchive) Open(ctx context.Context, b domain.BuildRequest) (io.ReadCloser, objectstore.ObjectInfo, error) {
	return a.store.Get(ctx, a.bucket, LogKey(b))
}
