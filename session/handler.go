package session

import "sync/atomic"

// Handler processes the events dispatched through a Pipeline.
//
// Inbound events (opened, received, closed) travel from the first handler to the last one;
// outbound sending events travel in the reverse direction and end at the transport. A handler
// forwards an event by calling the matching Fire method on its HandlerContext, and stops
// propagation by not calling it.
//
// A returned error aborts the current dispatch and is passed to the session error handler:
// messages the outer handlers forward afterwards within the same dispatch are dropped. For
// sending events the error also fails the send future. The closed event always reaches every
// handler.
type Handler interface {
	HandleOpened(ctx *HandlerContext) error
	HandleReceived(ctx *HandlerContext, msg any, channelID uint32) error
	HandleSending(ctx *HandlerContext, msg any, channelID uint32, rel Reliability, future *Future) error
	HandleClosed(ctx *HandlerContext) error
}

// HandlerBase forwards every event unchanged. Embed it to implement only the events of interest.
type HandlerBase struct{}

var _ Handler = HandlerBase{}

// HandleOpened forwards the opened event.
func (HandlerBase) HandleOpened(ctx *HandlerContext) error {
	ctx.FireOpened()
	return nil
}

// HandleReceived forwards msg to the next handler.
func (HandlerBase) HandleReceived(ctx *HandlerContext, msg any, channelID uint32) error {
	ctx.FireReceived(msg, channelID)
	return nil
}

// HandleSending forwards msg towards the transport.
func (HandlerBase) HandleSending(ctx *HandlerContext, msg any, channelID uint32, rel Reliability, future *Future) error {
	ctx.FireSending(msg, channelID, rel, future)
	return nil
}

// HandleClosed forwards the closed event.
func (HandlerBase) HandleClosed(ctx *HandlerContext) error {
	ctx.FireClosed()
	return nil
}

// ReceivedFunc adapts a function to a Handler that consumes inbound messages.
// Every other event is forwarded unchanged.
type ReceivedFunc func(ctx *HandlerContext, msg any, channelID uint32) error

var _ Handler = ReceivedFunc(nil)

// HandleOpened forwards the opened event.
func (ReceivedFunc) HandleOpened(ctx *HandlerContext) error {
	ctx.FireOpened()
	return nil
}

// HandleReceived calls f.
func (f ReceivedFunc) HandleReceived(ctx *HandlerContext, msg any, channelID uint32) error {
	return f(ctx, msg, channelID)
}

// HandleSending forwards msg towards the transport.
func (ReceivedFunc) HandleSending(ctx *HandlerContext, msg any, channelID uint32, rel Reliability, future *Future) error {
	ctx.FireSending(msg, channelID, rel, future)
	return nil
}

// HandleClosed forwards the closed event.
func (ReceivedFunc) HandleClosed(ctx *HandlerContext) error {
	ctx.FireClosed()
	return nil
}

// HandlerContext binds a Handler to its position in a Pipeline.
type HandlerContext struct {
	pipeline *Pipeline
	name     string
	handler  Handler
	index    int // guarded by the pipeline mutex
	removed  atomic.Bool
}

// Name returns the name the handler was registered with.
func (ctx *HandlerContext) Name() string { return ctx.name }

// Handler returns the handler bound to this context.
func (ctx *HandlerContext) Handler() Handler { return ctx.handler }

// Pipeline returns the pipeline the handler belongs to.
func (ctx *HandlerContext) Pipeline() *Pipeline { return ctx.pipeline }

// Session returns the session owning the pipeline.
func (ctx *HandlerContext) Session() *Session { return ctx.pipeline.session }

// FireOpened forwards the opened event to the next handler.
func (ctx *HandlerContext) FireOpened() {
	ctx.pipeline.openedFrom(ctx)
}

// FireClosed forwards the closed event to the next handler.
func (ctx *HandlerContext) FireClosed() {
	ctx.pipeline.closedFrom(ctx)
}

// FireReceived forwards msg to the next handler.
func (ctx *HandlerContext) FireReceived(msg any, channelID uint32) {
	ctx.pipeline.receivedFrom(ctx, msg, channelID)
}

// FireSending forwards msg to the previous handler, or to the transport if this is the first handler.
func (ctx *HandlerContext) FireSending(msg any, channelID uint32, rel Reliability, future *Future) {
	ctx.pipeline.sendingFrom(ctx, msg, channelID, rel, future)
}

// Aborted returns true if a handler failed during the current dispatch. A handler emitting
// several messages for one event should stop once it returns true.
func (ctx *HandlerContext) Aborted() bool {
	return ctx.pipeline.aborted.Load()
}

// Remove removes this handler from the pipeline. When called during a dispatch, the handler stops
// receiving events immediately and the pipeline is restructured after the dispatch.
func (ctx *HandlerContext) Remove() error {
	return ctx.pipeline.Remove(ctx.name)
}
