package errgroup

import (
	"context"
	"errors"
	"fmt"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/runtime"
	syncgroup "golang.org/x/sync/errgroup"
)

// ErrPanicRecovered wraps the value of a recovered worker panic.
var ErrPanicRecovered = errors.New("errgroup: panic recovered")

// Group is a set of workers. The first failing worker cancels the group
// context and its error is returned by Wait.
type Group struct {
	inner     *syncgroup.Group
	ctx       context.Context
	logger    log.Logger
	component string
}

// Option customizes a Group.
type Option func(*Group)

// WithLogger logs recovered panics.
func WithLogger(logger log.Logger) Option {
	return func(g *Group) { g.logger = log.OrNop(logger) }
}

// WithLimit caps the number of concurrently running workers. Go blocks
// while the limit is reached.
func WithLimit(n int) Option {
	return func(g *Group) {
		if n > 0 {
			g.inner.SetLimit(n)
		}
	}
}

// WithComponent names the group in panic logs.
func WithComponent(name string) Option {
	return func(g *Group) {
		if name != "" {
			g.component = name
		}
	}
}

// WithContext returns a group and the context its workers should watch.
func WithContext(ctx context.Context, opts ...Option) (*Group, context.Context) {
	inner, groupCtx := syncgroup.WithContext(ctx)

	g := &Group{inner: inner, ctx: groupCtx, logger: log.NewNop(), component: "errgroup"}

	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	return g, groupCtx
}

// Go starts fn as a worker named name.
func (g *Group) Go(name string, fn func() error) {
	g.inner.Go(func() (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				runtime.HandlePanicValue(g.ctx, g.logger, recovered, g.component, name)
				err = fmt.Errorf("%w: %s: %v", ErrPanicRecovered, name, recovered)
			}
		}()

		return fn()
	})
}

// Wait blocks until every worker returned and reports the first error.
func (g *Group) Wait() error {
	return g.inner.Wait()
}
