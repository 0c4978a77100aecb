package session

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-netsession/internal/queue"
	"github.com/arloliu/go-netsession/logger"
)

// Pipeline is the ordered chain of named handlers attached to one session.
//
// Inbound events are dispatched in insertion order, outbound events in reverse order, ending
// at the transport. Handlers may add or remove handlers while an event is being dispatched;
// names are reserved or released immediately, but the handler list itself is restructured
// only after the outermost dispatch completed. A removed handler stops receiving events at once.
// A handler error aborts the rest of the dispatch it occurred in.
type Pipeline struct {
	session *Session
	logger  logger.Logger

	mu      sync.Mutex
	entries []*HandlerContext
	names   map[string]*HandlerContext
	depth   int
	pending *queue.SliceQueue[func()]

	// aborted is set when a handler failed and cleared once the outermost dispatch completed.
	aborted atomic.Bool
}

func newPipeline(s *Session, l logger.Logger) *Pipeline {
	return &Pipeline{
		session: s,
		logger:  l,
		names:   make(map[string]*HandlerContext),
		pending: queue.NewSliceQueue[func()](4),
	}
}

// Session returns the session owning the pipeline.
func (p *Pipeline) Session() *Session {
	return p.session
}

// AddFirst inserts h at the inbound front of the pipeline.
func (p *Pipeline) AddFirst(name string, h Handler) error {
	return p.insert(name, h, "", func(_ []*HandlerContext, _ int) int { return 0 })
}

// AddLast appends h at the inbound end of the pipeline.
func (p *Pipeline) AddLast(name string, h Handler) error {
	return p.insert(name, h, "", func(entries []*HandlerContext, _ int) int { return len(entries) })
}

// AddBefore inserts h right before the handler named base.
func (p *Pipeline) AddBefore(base string, name string, h Handler) error {
	return p.insert(name, h, base, func(entries []*HandlerContext, baseIdx int) int {
		if baseIdx < 0 {
			return len(entries)
		}
		return baseIdx
	})
}

// AddAfter inserts h right after the handler named base.
func (p *Pipeline) AddAfter(base string, name string, h Handler) error {
	return p.insert(name, h, base, func(entries []*HandlerContext, baseIdx int) int {
		if baseIdx < 0 {
			return len(entries)
		}
		return baseIdx + 1
	})
}

func (p *Pipeline) insert(name string, h Handler, base string, position func(entries []*HandlerContext, baseIdx int) int) error {
	if h == nil || name == "" {
		return fmt.Errorf("%w: name=%q", ErrInvalidHandler, name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.names[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}

	var baseCtx *HandlerContext
	if base != "" {
		var ok bool
		if baseCtx, ok = p.names[base]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, base)
		}
	}

	ctx := &HandlerContext{pipeline: p, name: name, handler: h}
	p.names[name] = ctx

	p.mutate(func() {
		baseIdx := -1
		if baseCtx != nil {
			baseIdx = slices.Index(p.entries, baseCtx)
		}
		p.entries = slices.Insert(p.entries, position(p.entries, baseIdx), ctx)
		p.reindex()
	})

	return nil
}

// Remove removes the handler named name.
func (p *Pipeline) Remove(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, ok := p.names[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(p.names, name)
	ctx.removed.Store(true)

	p.mutate(func() {
		if i := slices.Index(p.entries, ctx); i >= 0 {
			p.entries = slices.Delete(p.entries, i, i+1)
			p.reindex()
		}
	})

	return nil
}

// Replace replaces the handler named oldName with h registered as newName, keeping its position.
func (p *Pipeline) Replace(oldName string, newName string, h Handler) error {
	if h == nil || newName == "" {
		return fmt.Errorf("%w: name=%q", ErrInvalidHandler, newName)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	oldCtx, ok := p.names[oldName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, oldName)
	}
	if _, ok := p.names[newName]; ok && newName != oldName {
		return fmt.Errorf("%w: %s", ErrDuplicateName, newName)
	}

	delete(p.names, oldName)
	oldCtx.removed.Store(true)
	ctx := &HandlerContext{pipeline: p, name: newName, handler: h}
	p.names[newName] = ctx

	p.mutate(func() {
		if i := slices.Index(p.entries, oldCtx); i >= 0 {
			p.entries[i] = ctx
		} else {
			p.entries = append(p.entries, ctx)
		}
		p.reindex()
	})

	return nil
}

// Get returns the handler named name, or nil.
func (p *Pipeline) Get(name string) Handler {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ctx, ok := p.names[name]; ok {
		return ctx.handler
	}

	return nil
}

// Names returns the handler names in inbound order.
func (p *Pipeline) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.entries))
	for _, ctx := range p.entries {
		if !ctx.removed.Load() {
			names = append(names, ctx.name)
		}
	}

	return names
}

// Len returns the number of handlers in the pipeline.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.names)
}

// FireOpened dispatches the opened event from the first handler.
func (p *Pipeline) FireOpened() {
	p.openedFrom(nil)
}

// FireClosed dispatches the closed event from the first handler.
func (p *Pipeline) FireClosed() {
	p.closedFrom(nil)
}

// FireReceived dispatches an inbound message from the first handler.
func (p *Pipeline) FireReceived(msg any, channelID uint32) {
	p.receivedFrom(nil, msg, channelID)
}

// FireSending dispatches an outbound message from the last handler towards the transport.
// future, if not nil, is resolved once the message was written or failed.
func (p *Pipeline) FireSending(msg any, channelID uint32, rel Reliability, future *Future) {
	p.sendingFrom(nil, msg, channelID, rel, future)
}

func (p *Pipeline) openedFrom(after *HandlerContext) {
	p.enter()
	defer p.leave()

	if p.aborted.Load() {
		return
	}
	if ctx := p.nextInbound(after); ctx != nil {
		p.invoke(ctx, nil, func() error { return ctx.handler.HandleOpened(ctx) })
	}
}

func (p *Pipeline) closedFrom(after *HandlerContext) {
	p.enter()
	defer p.leave()

	if ctx := p.nextInbound(after); ctx != nil {
		p.invoke(ctx, nil, func() error { return ctx.handler.HandleClosed(ctx) })
	}
}

func (p *Pipeline) receivedFrom(after *HandlerContext, msg any, channelID uint32) {
	p.enter()
	defer p.leave()

	if p.aborted.Load() {
		p.session.metrics.incDroppedCount()
		return
	}

	ctx := p.nextInbound(after)
	if ctx == nil {
		p.session.metrics.incDroppedCount()
		if p.logger.Level() == logger.DebugLevel {
			p.logger.Debug("inbound message reached pipeline tail, dropped",
				"channel", channelID, "type", fmt.Sprintf("%T", msg))
		}

		return
	}

	p.invoke(ctx, nil, func() error { return ctx.handler.HandleReceived(ctx, msg, channelID) })
}

func (p *Pipeline) sendingFrom(before *HandlerContext, msg any, channelID uint32, rel Reliability, future *Future) {
	p.enter()
	defer p.leave()

	if p.aborted.Load() {
		cancelFuture(future)
		return
	}

	ctx := p.nextOutbound(before)
	if ctx == nil {
		p.session.writeToTransport(msg, channelID, rel, future)
		return
	}

	p.invoke(ctx, future, func() error { return ctx.handler.HandleSending(ctx, msg, channelID, rel, future) })
}

// nextInbound returns the first live handler after the given one, or nil at the tail.
// It must be called between enter and leave.
func (p *Pipeline) nextInbound(after *HandlerContext) *HandlerContext {
	idx := 0
	if after != nil {
		idx = after.index + 1
	}
	for ; idx < len(p.entries); idx++ {
		if ctx := p.entries[idx]; !ctx.removed.Load() {
			return ctx
		}
	}

	return nil
}

// nextOutbound returns the first live handler before the given one, or nil at the head.
// It must be called between enter and leave.
func (p *Pipeline) nextOutbound(before *HandlerContext) *HandlerContext {
	idx := len(p.entries) - 1
	if before != nil {
		idx = min(before.index-1, idx)
	}
	for ; idx >= 0; idx-- {
		if ctx := p.entries[idx]; !ctx.removed.Load() {
			return ctx
		}
	}

	return nil
}

func (p *Pipeline) invoke(ctx *HandlerContext, future *Future, fn func() error) {
	err := callHandler(ctx, fn)
	if err == nil {
		return
	}

	p.aborted.Store(true)

	err = fmt.Errorf("handler %s: %w", ctx.name, err)
	if future != nil {
		future.Fail(err)
	}
	p.session.handleError(err)
}

func callHandler(ctx *HandlerContext, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	return fn()
}

func (p *Pipeline) enter() {
	p.mu.Lock()
	p.depth++
	p.mu.Unlock()
}

func (p *Pipeline) leave() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.depth--
	if p.depth > 0 {
		return
	}
	p.aborted.Store(false)

	for {
		op, ok := p.pending.Dequeue()
		if !ok {
			return
		}
		op()
	}
}

// mutate runs op now, or after the outermost dispatch completed. It must be called with mu held.
func (p *Pipeline) mutate(op func()) {
	if p.depth > 0 {
		p.pending.Enqueue(op)
		return
	}
	op()
}

func (p *Pipeline) reindex() {
	for i, ctx := range p.entries {
		ctx.index = i
	}
}
