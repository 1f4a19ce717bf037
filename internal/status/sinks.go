package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/animus-labs/conveyor/internal/platform/auditlog"
	"github.com/animus-labs/conveyor/internal/platform/objectstore"
)

// AuditSink appends every event to the audit_events table.
type AuditSink struct {
	w *auditlog.Writer
}

func NewAuditSink(w *auditlog.Writer) (*AuditSink, error) {
	if w == nil {
		return nil, errors.New("audit writer is required")
	}
	return &AuditSink{w: w}, nil
}

func (s *AuditSink) Name() string { return "audit" }

func (s *AuditSink) Write(ctx context.Context, ev Event) error {
	resourceType, resourceID := "build", ev.BuildID
	switch {
	case ev.Kind == KindEventRejected:
		resourceType, resourceID = "webhook_delivery", ev.ID
	case ev.DeploymentID != "":
		resourceType, resourceID = "deployment", ev.DeploymentID
	case resourceID == "":
		resourceType, resourceID = "target", ev.Target
	}
	if resourceID == "" {
		resourceID = ev.ID
	}

	payload := map[string]any{
		"seq":      ev.Seq,
		"event_id": ev.ID,
		"target":   ev.Target,
	}
	setIf := func(k, v string) {
		if v != "" {
			payload[k] = v
		}
	}
	setIf("build_id", ev.BuildID)
	setIf("revision", ev.Revision)
	setIf("version_id", ev.VersionID)
	setIf("prior_version_id", ev.PriorVersionID)
	setIf("status", ev.Status)
	setIf("message", ev.Message)
	setIf("error", ev.Error)
	if len(ev.Secrets) > 0 {
		payload["secrets"] = ev.Secrets
	}
	if len(ev.Attrs) > 0 {
		payload["attrs"] = ev.Attrs
	}

	_, err := s.w.Append(ctx, string(ev.Kind), resourceType, resourceID, payload)
	return err
}

// ArchiveSink writes events as NDJSON segments to object storage. A segment
// is uploaded once it holds SegmentSize events, and on Flush.
type ArchiveSink struct {
	store       objectstore.Store
	bucket      string
	segmentSize int

	mu      sync.Mutex
	buf     bytes.Buffer
	enc     *json.Encoder
	count   int
	first   Event
	lastSeq int64
}

func NewArchiveSink(store objectstore.Store, bucket string, segmentSize int) (*ArchiveSink, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if segmentSize <= 0 {
		segmentSize = 100
	}
	s := &ArchiveSink{store: store, bucket: bucket, segmentSize: segmentSize}
	s.enc = json.NewEncoder(&s.buf)
	s.enc.SetEscapeHTML(true)
	return s, nil
}

func (s *ArchiveSink) Name() string { return "archive" }

func (s *ArchiveSink) Write(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(ev); err != nil {
		return err
	}
	if s.count == 0 {
		s.first = ev
	}
	s.count++
	s.lastSeq = ev.Seq
	if s.count < s.segmentSize {
		return nil
	}
	return s.uploadLocked(ctx)
}

func (s *ArchiveSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return nil
	}
	return s.uploadLocked(ctx)
}

func (s *ArchiveSink) uploadLocked(ctx context.Context) error {
	key := SegmentKey(s.first, s.lastSeq)
	body := bytes.NewReader(s.buf.Bytes())
	if err := s.store.Put(ctx, s.bucket, key, body, int64(body.Len()), "application/x-ndjson"); err != nil {
		// keep the buffer so the next write or flush retries the whole segment
		return fmt.Errorf("upload %s: %w", key, err)
	}
	s.buf.Reset()
	s.count = 0
	return nil
}

// SegmentKey names a segment by the day of its first event and its seq range.
func SegmentKey(first Event, lastSeq int64) string {
	return fmt.Sprintf("events/%s/%012d-%012d.ndjson",
		first.OccurredAt.UTC().Format("2006/01/02"),
		first.Seq,
		lastSeq,
	)
}
