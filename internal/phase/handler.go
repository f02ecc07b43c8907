package phase

import (
	"context"
	"fmt"
	"sync"

	"auditpipe/internal/artifact"
	"auditpipe/internal/lease"
)

// ArtifactWriter is the slice of the artifact store a handler may use.
type ArtifactWriter interface {
	WriteArtifact(ctx context.Context, e artifact.Entry, payload any) (artifact.Entry, error)
	Append(ctx context.Context, e artifact.Entry) (artifact.Entry, error)
}

// ExecContext is everything a handler receives for one phase execution.
type ExecContext struct {
	RunDir  string
	Targets []string
	Config  map[string]string
	Phase   Descriptor
	// Lease is set only for phases that require the browser.
	Lease     *lease.Lease
	Artifacts ArtifactWriter
}

// Output is what a successful phase reports back to the engine.
type Output struct {
	Findings int
	Visited  []string
	Queued   []string
	Payload  any
}

type Handler interface {
	Run(ctx context.Context, ec ExecContext) (Output, error)
}

type HandlerFunc func(ctx context.Context, ec ExecContext) (Output, error)

func (f HandlerFunc) Run(ctx context.Context, ec ExecContext) (Output, error) { return f(ctx, ec) }

// Dispatcher resolves the handler for a kind.
type Dispatcher interface {
	Handler(kind Kind) (Handler, error)
}

// KindDispatcher maps each Kind to one Handler.
type KindDispatcher struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
	fallback Handler
}

func NewKindDispatcher() *KindDispatcher {
	return &KindDispatcher{handlers: make(map[Kind]Handler)}
}

// Register binds h to kind. Unknown kinds are rejected.
func (d *KindDispatcher) Register(kind Kind, h Handler) error {
	if !kind.Valid() {
		return fmt.Errorf("phase: cannot register handler for unknown kind %q", kind)
	}
	if h == nil {
		return fmt.Errorf("phase: nil handler for kind %q", kind)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
	return nil
}

// SetFallback sets the handler used for kinds with no registration.
func (d *KindDispatcher) SetFallback(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = h
}

func (d *KindDispatcher) Handler(kind Kind) (Handler, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("phase: unknown kind %q", kind)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if h, ok := d.handlers[kind]; ok {
		return h, nil
	}
	if d.fallback != nil {
		return d.fallback, nil
	}
	return nil, fmt.Errorf("phase: no handler registered for kind %q", kind)
}
