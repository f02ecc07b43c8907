package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "auditpipe.progress"

// DefaultFlushTimeout bounds a flush when the caller's context has no deadline.
const DefaultFlushTimeout = 5 * time.Second

// Progress is published after every phase or phase group.
type Progress struct {
	RunID           string    `json:"run_id"`
	Seq             int       `json:"seq"`
	Phase           string    `json:"phase"`
	Completed       int       `json:"completed"`
	Total           int       `json:"total"`
	CompletedPhases []string  `json:"completed_phases"`
	Findings        int       `json:"findings"`
	Timestamp       time.Time `json:"timestamp"`
}

type Publisher interface {
	PublishProgress(ctx context.Context, p Progress) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) PublishProgress(context.Context, Progress) error { return nil }

// NATSPublisher sends progress records as JSON on a NATS subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATS connects to url. An empty subject falls back to DefaultSubject.
func NewNATS(url, subject string, opts ...nats.Option) (*NATSPublisher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("events: nats url is required")
	}
	opts = append([]nats.Option{nats.Name("auditpipe")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(subject) == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{conn: nc, subject: subject}, nil
}

func (p *NATSPublisher) PublishProgress(ctx context.Context, pr Progress) error {
	if p == nil || p.conn == nil {
		return errors.New("events: nil publisher")
	}
	data, err := json.Marshal(pr)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return err
	}
	// FlushWithContext rejects contexts without a deadline.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultFlushTimeout)
		defer cancel()
	}
	return p.conn.FlushWithContext(ctx)
}

// Close drains the connection, falling back to a hard close.
func (p *NATSPublisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}

// Recorder keeps published records in memory.
type Recorder struct {
	mu      sync.Mutex
	records []Progress
}

func (r *Recorder) PublishProgress(_ context.Context, p Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.CompletedPhases = append([]string(nil), p.CompletedPhases...)
	r.records = append(r.records, p)
	return nil
}

func (r *Recorder) Records() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Progress(nil), r.records...)
}
