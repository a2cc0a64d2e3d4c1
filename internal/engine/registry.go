package engine

import (
	"context"
	"database/sql"
	"fmt"

	"stockline/internal/domain"
	"stockline/internal/envelope"
)

// Handler applies one decoded command inside the request's transaction.
// Returning an error rolls back every write the handler made.
type Handler[C envelope.Command] func(ctx context.Context, tx *sql.Tx, req domain.Request, cmd C) error

// Registry holds at most one handler per command type. Build one per executor;
// there is no package-level registry.
type Registry struct {
	scopeToPool  Handler[envelope.ScopeToPool]
	poolToScope  Handler[envelope.PoolToScope]
	scopeToScope Handler[envelope.ScopeToScope]
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register binds h to the command type C, replacing any earlier handler.
func Register[C envelope.Command](r *Registry, h Handler[C]) {
	switch h := any(h).(type) {
	case Handler[envelope.ScopeToPool]:
		r.scopeToPool = h
	case Handler[envelope.PoolToScope]:
		r.poolToScope = h
	case Handler[envelope.ScopeToScope]:
		r.scopeToScope = h
	}
}

// Registered lists the request types that currently have a handler.
func (r *Registry) Registered() []string {
	var out []string
	if r.scopeToPool != nil {
		out = append(out, envelope.TypeScopeToPool)
	}
	if r.poolToScope != nil {
		out = append(out, envelope.TypePoolToScope)
	}
	if r.scopeToScope != nil {
		out = append(out, envelope.TypeScopeToScope)
	}
	return out
}

func (r *Registry) dispatch(ctx context.Context, tx *sql.Tx, req domain.Request, cmd envelope.Command) error {
	switch c := cmd.(type) {
	case envelope.ScopeToPool:
		return call(ctx, tx, req, r.scopeToPool, c)
	case envelope.PoolToScope:
		return call(ctx, tx, req, r.poolToScope, c)
	case envelope.ScopeToScope:
		return call(ctx, tx, req, r.scopeToScope, c)
	default:
		return Unimplemented("no handler for %s", cmd.RequestType())
	}
}

// call runs h and turns a panic into an error so the transaction rolls back
// and the request fails instead of the worker.
func call[C envelope.Command](ctx context.Context, tx *sql.Tx, req domain.Request, h Handler[C], cmd C) (err error) {
	if h == nil {
		return Unimplemented("no handler registered for %s", cmd.RequestType())
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, tx, req, cmd)
}

// DefaultRegistry registers the item movement handlers.
func DefaultRegistry(m Movements) *Registry {
	r := NewRegistry()
	Register[envelope.ScopeToPool](r, m.ScopeToPool)
	Register[envelope.PoolToScope](r, m.PoolToScope)
	Register[envelope.ScopeToScope](r, m.ScopeToScope)
	return r
}
