package status

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Redactor masks secret material. *secrets.Redactor satisfies it.
type Redactor interface {
	Redact(s string) string
}

// Sink receives every published event after redaction. Errors are logged by
// the Reporter and never reach the publisher.
type Sink interface {
	Name() string
	Write(ctx context.Context, ev Event) error
}

type Options struct {
	Redactor      Redactor
	Sinks         []Sink
	Logger        *slog.Logger
	History       int
	SubscriberBuf int
	SinkBuf       int
	Now           func() time.Time
}

// Reporter is the read-only outcome stream. It keeps a bounded history for
// replay and fans out to live subscribers; a subscriber that cannot keep up
// is dropped rather than blocking publishers.
type Reporter struct {
	redactor Redactor
	logger   *slog.Logger
	now      func() time.Time
	subBuf   int

	mu      sync.Mutex
	seq     int64
	history []Event
	limit   int
	subs    map[uint64]*subscriber
	nextSub uint64
	closed  bool

	sinks  []Sink
	sinkCh chan Event
	sinkWG sync.WaitGroup
}

type subscriber struct {
	ch chan Event
}

func NewReporter(opts Options) *Reporter {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.History <= 0 {
		opts.History = 1000
	}
	if opts.SubscriberBuf <= 0 {
		opts.SubscriberBuf = 64
	}
	if opts.SinkBuf <= 0 {
		opts.SinkBuf = 1024
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	r := &Reporter{
		redactor: opts.Redactor,
		logger:   opts.Logger,
		now:      opts.Now,
		subBuf:   opts.SubscriberBuf,
		limit:    opts.History,
		subs:     make(map[uint64]*subscriber),
		sinks:    opts.Sinks,
	}
	if len(r.sinks) > 0 {
		r.sinkCh = make(chan Event, opts.SinkBuf)
		r.sinkWG.Add(1)
		go r.drainSinks()
	}
	return r
}

// Publish redacts ev, assigns its sequence number and fans it out. The
// stored event is returned.
func (r *Reporter) Publish(ctx context.Context, ev Event) Event {
	if r == nil {
		return ev
	}
	if r.redactor != nil {
		ev = ev.redact(r.redactor.Redact)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = r.now()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ev
	}
	r.seq++
	ev.Seq = r.seq
	r.history = append(r.history, ev)
	if len(r.history) > r.limit {
		r.history = append([]Event(nil), r.history[len(r.history)-r.limit:]...)
	}
	for id, sub := range r.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(r.subs, id)
			close(sub.ch)
			r.logger.Warn("status subscriber dropped", "subscriber", id, "seq", ev.Seq)
		}
	}
	if r.sinkCh != nil {
		select {
		case r.sinkCh <- ev:
		default:
			r.logger.Warn("status sink queue full, event not archived", "seq", ev.Seq, "kind", ev.Kind)
		}
	}
	r.mu.Unlock()

	r.logger.Info("status event",
		"seq", ev.Seq,
		"kind", ev.Kind,
		"target", ev.Target,
		"build_id", ev.BuildID,
		"status", ev.Status,
	)
	return ev
}

// Recent returns up to limit retained events with Seq > afterSeq, oldest first.
func (r *Reporter) Recent(afterSeq int64, limit int) []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.afterLocked(afterSeq, limit)
}

func (r *Reporter) afterLocked(afterSeq int64, limit int) []Event {
	out := make([]Event, 0)
	for _, ev := range r.history {
		if ev.Seq <= afterSeq {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// LastSeq is the sequence number of the newest event, 0 when none.
func (r *Reporter) LastSeq() int64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Subscribe replays retained events after afterSeq, then delivers live
// events until ctx is done or the subscriber falls behind. The channel is
// closed in both cases.
func (r *Reporter) Subscribe(ctx context.Context, afterSeq int64) <-chan Event {
	r.mu.Lock()
	replay := r.afterLocked(afterSeq, 0)
	ch := make(chan Event, len(replay)+r.subBuf)
	for _, ev := range replay {
		ch <- ev
	}
	if r.closed {
		close(ch)
		r.mu.Unlock()
		return ch
	}
	r.nextSub++
	id := r.nextSub
	r.subs[id] = &subscriber{ch: ch}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.unsubscribe(id)
	}()
	return ch
}

func (r *Reporter) unsubscribe(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return
	}
	delete(r.subs, id)
	close(sub.ch)
}

func (r *Reporter) Subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Close ends every subscription and flushes queued sink writes.
func (r *Reporter) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for id, sub := range r.subs {
		delete(r.subs, id)
		close(sub.ch)
	}
	if r.sinkCh != nil {
		close(r.sinkCh)
	}
	r.mu.Unlock()
	r.sinkWG.Wait()
}

func (r *Reporter) drainSinks() {
	defer r.sinkWG.Done()
	for ev := range r.sinkCh {
		for _, sink := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := sink.Write(ctx, ev); err != nil {
				r.logger.Error("status sink write failed", "sink", sink.Name(), "seq", ev.Seq, "error", err)
			}
			cancel()
		}
	}
	for _, sink := range r.sinks {
		if f, ok := sink.(interface{ Flush(context.Context) error }); ok {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := f.Flush(ctx); err != nil {
				r.logger.Error("status sink flush failed", "sink", sink.Name(), "error", err)
			}
			cancel()
		}
	}
}
