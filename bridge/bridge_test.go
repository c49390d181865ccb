//go:build linux || darwin

package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-winloop/eventloop"
	"github.com/joeycumines/go-winloop/native"
	"github.com/joeycumines/go-winloop/native/nativetest"
	"github.com/joeycumines/go-winloop/pollsched"
	"github.com/joeycumines/go-winloop/wakechan"
)

func testConfig(interval time.Duration) Config {
	cfg := DefaultConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0
	cfg.Interval = interval
	return cfg
}

type running struct {
	bridge *Bridge
	cancel context.CancelFunc
	result chan error
}

// start runs the bridge in the background, returning once it is ready, or
// failing the test if it exits first.
func start(t *testing.T, loader native.Loader, cfg Config, opts ...Option) *running {
	t.Helper()
	b, err := New(loader, cfg, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{bridge: b, cancel: cancel, result: make(chan error, 1)}
	go func() { r.result <- b.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-r.result:
		case <-time.After(5 * time.Second):
			t.Error("bridge did not stop")
		}
	})

	select {
	case <-b.Ready():
	case err := <-r.result:
		t.Fatalf("bridge exited during startup: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not become ready")
	}
	return r
}

func dial(t *testing.T, b *Bridge) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", b.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.SetDeadline(time.Now().Add(10*time.Second)))
	return c
}

func readN(t *testing.T, r io.Reader, n int) string {
	t.Helper()
	b := make([]byte, n)
	_, err := io.ReadFull(r, b)
	require.NoError(t, err)
	return string(b)
}

// the wake channel greets a client before the first poll is due
func TestBridge_greetingBeforeFirstPoll(t *testing.T) {
	const interval = 500 * time.Millisecond

	src := nativetest.New()
	r := start(t, native.Static(src), testConfig(interval))
	readyAt := time.Now()

	c := dial(t, r.bridge)
	require.NoError(t, c.SetReadDeadline(readyAt.Add(interval)))
	assert.Equal(t, wakechan.DefaultGreeting, readN(t, c, len(wakechan.DefaultGreeting)))
	assert.Zero(t, src.PollCount())

	sched := r.bridge.Scheduler()
	require.NotNil(t, sched)
	assert.Equal(t, pollsched.StateArmed, sched.State())
	assert.Equal(t, interval, sched.Interval())
	assert.Equal(t, 1, src.Creates())

	require.Eventually(t, func() bool { return src.PollCount() >= 1 }, 5*time.Second, time.Millisecond)
}

func TestBridge_pollFailureKeepsChannel(t *testing.T) {
	cause := errors.New("native context lost")
	src := nativetest.New(
		nativetest.Step{Outcome: native.EventConsumed},
		nativetest.Step{Outcome: native.FatalError, Err: cause},
	)

	var failures atomic.Int32
	r := start(t, native.Static(src), testConfig(time.Millisecond), WithPollFailureHandler(func(err error) {
		if errors.Is(err, cause) {
			failures.Add(1)
		}
	}))

	select {
	case <-r.bridge.Scheduler().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.ErrorIs(t, r.bridge.Scheduler().Err(), cause)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, src.PollCount())
	assert.Equal(t, int32(1), failures.Load())

	c := dial(t, r.bridge)
	assert.Equal(t, wakechan.DefaultGreeting, readN(t, c, len(wakechan.DefaultGreeting)))
	_, err := c.Write([]byte("anyone?"))
	require.NoError(t, err)
	assert.Equal(t, "anyone?", readN(t, c, len("anyone?")))

	select {
	case err := <-r.result:
		t.Fatalf("bridge exited: %v", err)
	default:
	}
	assert.Equal(t, 2, src.PollCount())
}

func TestBridge_wakesNativeSource(t *testing.T) {
	src := nativetest.New()
	r := start(t, native.Static(src), testConfig(time.Hour))

	c := dial(t, r.bridge)
	readN(t, c, len(wakechan.DefaultGreeting))
	_, err := c.Write([]byte("wake"))
	require.NoError(t, err)
	readN(t, c, len("wake"))

	assert.GreaterOrEqual(t, src.Wakes(), 1)
}

func TestBridge_Run_shutdown(t *testing.T) {
	src := nativetest.New()
	r := start(t, native.Static(src), testConfig(time.Millisecond))
	c := dial(t, r.bridge)
	readN(t, c, len(wakechan.DefaultGreeting))

	r.cancel()
	select {
	case err := <-r.result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop")
	}
	r.result <- nil

	assert.True(t, src.Closed())
	assert.Equal(t, pollsched.StateStopped, r.bridge.Scheduler().State())

	_, err := c.Read(make([]byte, 1))
	assert.Error(t, err)

	assert.ErrorIs(t, r.bridge.Run(context.Background()), ErrAlreadyRunning)
}

func TestBridge_Run_startupFailures(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	for _, tc := range [...]struct {
		name   string
		loader func(src *nativetest.Source) native.Loader
		cfg    func(cfg *Config)
		target error
		closed bool
	}{
		{
			name: "load",
			loader: func(*nativetest.Source) native.Loader {
				return native.LoaderFunc(func(context.Context) (native.Source, error) {
					return nil, errors.Join(native.ErrLoad, errors.New("no such file"))
				})
			},
			target: native.ErrLoad,
		},
		{
			name: "create context",
			loader: func(src *nativetest.Source) native.Loader {
				src.CreateErr = errors.Join(native.ErrCreateContext, errors.New("no display"))
				return native.Static(src)
			},
			target: native.ErrCreateContext,
			closed: true,
		},
		{
			name:   "listen",
			loader: func(src *nativetest.Source) native.Loader { return native.Static(src) },
			cfg: func(cfg *Config) {
				cfg.Port = uint16(occupied.Addr().(*net.TCPAddr).Port)
			},
			target: wakechan.ErrListen,
			closed: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			src := nativetest.New()
			cfg := testConfig(time.Millisecond)
			if tc.cfg != nil {
				tc.cfg(&cfg)
			}
			b, err := New(tc.loader(src), cfg)
			require.NoError(t, err)

			done := make(chan error, 1)
			go func() { done <- b.Run(context.Background()) }()

			select {
			case err := <-done:
				assert.ErrorIs(t, err, tc.target)
			case <-time.After(5 * time.Second):
				t.Fatal("bridge did not fail")
			}

			select {
			case <-b.Ready():
				t.Error("ready after a failed startup")
			default:
			}
			assert.Equal(t, tc.closed, src.Closed())
			assert.Zero(t, src.PollCount())
		})
	}
}

func TestBridge_Run_cancelledContext(t *testing.T) {
	src := nativetest.New()
	b, err := New(native.Static(src), testConfig(time.Millisecond))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Run(ctx), context.Canceled)
	assert.Zero(t, src.Creates())
}

func TestBridge_loopOptions(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidArgument)

	b, err := New(native.Static(nativetest.New()), testConfig(time.Millisecond),
		WithLoopOptions(eventloop.WithMaxPollTimeout(-time.Second)))
	require.NoError(t, err)
	assert.ErrorIs(t, b.Run(context.Background()), eventloop.ErrInvalidOption)
}

func TestConfig_withDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "0.0.0.0", cfg.BindAddress)
	assert.Equal(t, 100*time.Millisecond, cfg.Interval)
	assert.Equal(t, wakechan.DefaultMaxPending, cfg.MaxPending)
	assert.Equal(t, uint16(0), cfg.Port)

	def := DefaultConfig()
	assert.Equal(t, uint16(8124), def.Port)
	assert.Equal(t, def, def.withDefaults())
}
