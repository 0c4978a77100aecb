package httpdec

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-netsession/framer"
	"github.com/arloliu/go-netsession/logger"
	"github.com/arloliu/go-netsession/session"
)

type nopAdapter struct {
	mu     sync.Mutex
	closed bool
}

func (a *nopAdapter) Kind() session.TransportKind                           { return session.StreamTransport }
func (a *nopAdapter) Write(_ []byte, _ uint32, _ session.Reliability) error { return nil }
func (a *nopAdapter) Flush(done func(error))                                { done(nil) }
func (a *nopAdapter) LocalAddr() net.Addr                                   { return nil }
func (a *nopAdapter) RemoteAddr() net.Addr                                  { return nil }

func (a *nopAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true

	return nil
}

type testEnv struct {
	session  *session.Session
	decoder  *Decoder
	messages chan any
	errs     chan error
}

func newTestEnv(tb testing.TB, opts ...Option) *testEnv {
	tb.Helper()

	l := logger.NewPermissiveMockLogger()
	cfg, err := NewConfig(append([]Option{WithLogger(l)}, opts...)...)
	require.NoError(tb, err)

	env := &testEnv{
		decoder:  New(cfg),
		messages: make(chan any, 1024),
		errs:     make(chan error, 16),
	}

	sessCfg, err := session.NewSessionConfig(
		session.WithLogger(l),
		session.WithErrorHandler(func(_ *session.Session, err error) bool {
			env.errs <- err
			return false
		}),
		session.WithPipelineInitializer(func(p *session.Pipeline) error {
			if err := p.AddLast(HandlerName, env.decoder); err != nil {
				return err
			}
			return p.AddLast("sink", session.ReceivedFunc(func(_ *session.HandlerContext, msg any, _ uint32) error {
				env.messages <- msg
				return nil
			}))
		}),
	)
	require.NoError(tb, err)

	env.session, err = session.NewSession(&nopAdapter{}, sessCfg)
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = env.session.CloseNow() })

	env.session.NotifyConnected()
	require.NoError(tb, env.session.ConnectFuture().WaitTimeout(time.Second))

	return env
}

func (env *testEnv) feed(data string) {
	env.session.NotifyReceived([]byte(data), 0)
}

func (env *testEnv) next(tb testing.TB) any {
	tb.Helper()

	select {
	case msg := <-env.messages:
		return msg
	case <-time.After(time.Second):
		require.FailNow(tb, "no message received")
		return nil
	}
}

func (env *testEnv) nextRequest(tb testing.TB) *Request {
	tb.Helper()

	req, ok := env.next(tb).(*Request)
	require.True(tb, ok, "expected *Request")

	return req
}

func (env *testEnv) requireError(tb testing.TB, target error) {
	tb.Helper()

	select {
	case err := <-env.errs:
		require.ErrorIs(tb, err, target)
		require.ErrorIs(tb, err, session.ErrProtocolViolation)
	case <-time.After(time.Second):
		require.FailNow(tb, "no error reported")
	}

	require.NoError(tb, env.session.DisconnectFuture().WaitTimeout(time.Second))
	require.Equal(tb, session.DisconnectedState, env.session.State())
}

// sync waits until every task submitted so far to the session executor has run.
func (env *testEnv) sync(tb testing.TB) {
	tb.Helper()

	done := make(chan struct{})
	require.NoError(tb, env.session.Executor().Submit(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		require.FailNow(tb, "executor stalled")
	}
}

const scenarioRequest = "GET /foo HTTP/1.1\r\nHost: example\r\n\r\n"

func TestDecoder_SingleChunk(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	env.feed(scenarioRequest)

	req := env.nextRequest(t)
	require.Equal("GET", req.Method)
	require.Equal("/foo", req.Target)
	require.Equal("HTTP/1.1", req.Version)
	require.Equal(map[string]string{"Host": "example"}, req.Headers)

	require.Nil(env.session.Pipeline().Get(HandlerName))
	require.Equal([]string{"sink"}, env.session.Pipeline().Names())
	require.Equal(session.ConnectedState, env.session.State())
}

func TestDecoder_ByteByByte(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	for i := range len(scenarioRequest) {
		env.feed(scenarioRequest[i : i+1])
	}

	req := env.nextRequest(t)
	require.Equal(&Request{
		Method:  "GET",
		Target:  "/foo",
		Version: "HTTP/1.1",
		Headers: map[string]string{"Host": "example"},
	}, req)
	require.Nil(env.session.Pipeline().Get(HandlerName))

	env.sync(t)
	require.Empty(env.messages)
}

func TestDecoder_ForwardsBody(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	env.feed("POST /upload HTTP/1.0\r\nContent-Length: 9\r\n\r\nhello")
	env.feed(" body")

	req := env.nextRequest(t)
	require.Equal("POST", req.Method)
	n, err := req.ContentLength()
	require.NoError(err)
	require.Equal(int64(9), n)

	require.Equal([]byte("hello"), env.next(t))
	require.Equal([]byte(" body"), env.next(t))
}

func TestDecoder_EmptyHeaderSection(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	env.feed("OPTIONS * HTTP/1.1\r\n\r\n")

	req := env.nextRequest(t)
	require.Equal("OPTIONS", req.Method)
	require.Equal("*", req.Target)
	require.Empty(req.Headers)
	require.NotNil(req.Headers)
}

func TestDecoder_Headers(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	env.feed("GET / HTTP/1.1\r\n" +
		"X-Trace:  \tabc def \t\r\n" +
		"Accept:text/plain\r\n" +
		"x-dup: 1\r\n" +
		"x-dup: 2\r\n" +
		"Empty:\r\n" +
		"\r\n")

	req := env.nextRequest(t)
	require.Equal(map[string]string{
		"X-Trace": "abc def",
		"Accept":  "text/plain",
		"x-dup":   "2",
		"Empty":   "",
	}, req.Headers)

	v, ok := req.Header("x-trace")
	require.True(ok)
	require.Equal("abc def", v)

	_, ok = req.Header("Host")
	require.False(ok)

	n, err := req.ContentLength()
	require.NoError(err)
	require.Zero(n)
}

func TestDecoder_RequestLineLimit(t *testing.T) {
	const limit = 32
	exact := "GET /" + strings.Repeat("a", limit-len("GET / HTTP/1.1")) + " HTTP/1.1"

	t.Run("Exact length", func(t *testing.T) {
		require := require.New(t)
		require.Len(exact, limit)

		env := newTestEnv(t, WithMaxRequestLineSize(limit))
		env.feed(exact + "\r")
		env.sync(t)
		require.Equal(session.ConnectedState, env.session.State())

		env.feed("\n\r\n")
		require.Equal(exact[4:len(exact)-9], env.nextRequest(t).Target)
	})

	t.Run("One byte over", func(t *testing.T) {
		env := newTestEnv(t, WithMaxRequestLineSize(limit))
		env.feed("GET /a" + exact[5:] + "\r\n\r\n")
		env.requireError(t, ErrURITooLong)
	})

	t.Run("Unterminated over", func(t *testing.T) {
		env := newTestEnv(t, WithMaxRequestLineSize(limit))
		env.feed(strings.Repeat("A", limit))
		env.sync(t)
		require.Equal(t, session.ConnectedState, env.session.State())

		env.feed("A")
		env.requireError(t, ErrURITooLong)
	})
}

func TestDecoder_HeaderLimits(t *testing.T) {
	t.Run("Line too long", func(t *testing.T) {
		env := newTestEnv(t, WithMaxHeaderLineSize(16))
		env.feed("GET / HTTP/1.1\r\nX-Long: " + strings.Repeat("v", 9) + "\r\n\r\n")
		env.requireError(t, ErrHeaderFieldsTooLarge)
	})

	t.Run("Unterminated line too long", func(t *testing.T) {
		env := newTestEnv(t, WithMaxHeaderLineSize(16))
		env.feed("GET / HTTP/1.1\r\n" + strings.Repeat("x", 17))
		env.requireError(t, ErrHeaderFieldsTooLarge)
	})

	t.Run("Line at limit", func(t *testing.T) {
		env := newTestEnv(t, WithMaxHeaderLineSize(16))
		env.feed("GET / HTTP/1.1\r\nX-Long: " + strings.Repeat("v", 8) + "\r\n\r\n")
		v, ok := env.nextRequest(t).Header("X-Long")
		require.True(t, ok)
		require.Len(t, v, 8)
	})

	t.Run("Too many headers", func(t *testing.T) {
		env := newTestEnv(t, WithMaxHeaderCount(2))
		env.feed("GET / HTTP/1.1\r\nA: 1\r\nA: 2\r\nA: 3\r\n\r\n")
		env.requireError(t, ErrHeaderFieldsTooLarge)
	})

	t.Run("Count at limit", func(t *testing.T) {
		env := newTestEnv(t, WithMaxHeaderCount(2))
		env.feed("GET / HTTP/1.1\r\nA: 1\r\nB: 2\r\n\r\n")
		require.Len(t, env.nextRequest(t).Headers, 2)
	})
}

func TestDecoder_BadRequest(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "Missing version", input: "GET /foo\r\n\r\n"},
		{name: "Double space", input: "GET  /foo HTTP/1.1\r\n\r\n"},
		{name: "Trailing space", input: "GET /foo HTTP/1.1 \r\n\r\n"},
		{name: "Invalid method", input: "G(T /foo HTTP/1.1\r\n\r\n"},
		{name: "Invalid version", input: "GET /foo HTTP/1.x\r\n\r\n"},
		{name: "Lone CR in request line", input: "GET /foo HTTP/1.1\r\r\n\r\n"},
		{name: "Bare LF request line", input: "GET /foo HTTP/1.1\n\r\n"},
		{name: "Header without colon", input: "GET / HTTP/1.1\r\nHost example\r\n\r\n"},
		{name: "Space before colon", input: "GET / HTTP/1.1\r\nHost : example\r\n\r\n"},
		{name: "Empty header name", input: "GET / HTTP/1.1\r\n: example\r\n\r\n"},
		{name: "Folded header", input: "GET / HTTP/1.1\r\n folded: x\r\n\r\n"},
		{name: "Control character in value", input: "GET / HTTP/1.1\r\nHost: a\x01b\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.feed(tt.input)
			env.requireError(t, ErrBadRequest)
			require.Empty(t, env.messages)
		})
	}
}

func TestDecoder_BadRequestStopsFramedChunk(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	framerCfg, err := framer.NewConfig(framer.WithLogger(logger.NewPermissiveMockLogger()))
	require.NoError(err)
	require.NoError(env.session.Pipeline().AddFirst(framer.HandlerName, framer.New(framerCfg)))

	chunk := framer.EncodeFrame(nil, 0, []byte("BAD\r\n\r\n"))
	chunk = framer.EncodeFrame(chunk, 0, []byte("GET /after-violation HTTP/1.1\r\n\r\n"))
	env.session.NotifyReceived(chunk, 0)

	env.requireError(t, ErrBadRequest)
	require.Empty(env.messages)
	require.Empty(env.errs)
}

func TestDecoder_StateAndReuse(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	env.feed("GET /first HTTP/1.1\r\nHo")
	env.sync(t)
	require.Equal(AwaitingHeaders, env.decoder.State())

	env.feed("st: a\r\n\r\n")
	require.Equal("/first", env.nextRequest(t).Target)
	env.sync(t)
	require.Equal(AwaitingRequestLine, env.decoder.State())

	require.NoError(env.session.Pipeline().AddFirst(HandlerName, env.decoder))
	env.feed("GET /second HTTP/1.1\r\n\r\n")
	req := env.nextRequest(t)
	require.Equal("/second", req.Target)
	require.Empty(req.Headers)
}

func TestDecoder_PassThrough(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	require.NoError(env.session.Executor().Submit(func() {
		env.session.Pipeline().FireReceived("not bytes", 0)
	}))
	require.Equal("not bytes", env.next(t))
	require.Equal(AwaitingRequestLine, env.decoder.State())
}

func TestRequest_ContentLength(t *testing.T) {
	require := require.New(t)

	req := &Request{Headers: map[string]string{"content-length": "abc"}}
	_, err := req.ContentLength()
	require.ErrorIs(err, ErrBadRequest)

	req.Headers["content-length"] = "-1"
	_, err = req.ContentLength()
	require.ErrorIs(err, ErrBadRequest)

	req.Headers["content-length"] = "42"
	n, err := req.ContentLength()
	require.NoError(err)
	require.Equal(int64(42), n)
}

func TestStatusCode(t *testing.T) {
	require := require.New(t)

	require.Equal(200, StatusCode(nil))
	require.Equal(400, StatusCode(ErrBadRequest))
	require.Equal(414, StatusCode(ErrURITooLong))
	require.Equal(431, StatusCode(ErrHeaderFieldsTooLarge))
	require.Equal(400, StatusCode(session.ErrProtocolViolation))
	require.Equal(500, StatusCode(session.ErrSessionClosed))
}

func TestConfig(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConfig()
	require.NoError(err)
	require.Equal(DefaultMaxRequestLineSize, cfg.MaxRequestLineSize())
	require.Equal(DefaultMaxHeaderLineSize, cfg.MaxHeaderLineSize())
	require.Equal(DefaultMaxHeaderCount, cfg.MaxHeaderCount())

	_, err = NewConfig(WithMaxRequestLineSize(15))
	require.ErrorContains(err, "WithMaxRequestLineSize")
	_, err = NewConfig(WithMaxHeaderLineSize(1 << 21))
	require.Error(err)
	_, err = NewConfig(WithMaxHeaderCount(-1))
	require.Error(err)

	var nilCfg *Config
	require.ErrorIs(WithMaxHeaderCount(1).apply(nilCfg), ErrConfigNil)
}
