package wasmsource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/joeycumines/go-winloop/native"
)

const (
	// ABIVersion is the only supported guest ABI version.
	ABIVersion = 1

	// HostModule is the namespace under which host functions are registered.
	HostModule = "winloop"

	// DefaultPollBudget bounds a single poll_once call.
	DefaultPollBudget = 50 * time.Millisecond

	// DefaultMemoryLimitPages is 16MiB of 64KiB pages.
	DefaultMemoryLimitPages = 256

	exportCreateContext  = "create_context"
	exportPollOnce       = "poll_once"
	exportPostEmptyEvent = "post_empty_event"
	exportABIVersion     = "abi_version"
	hostLog              = "log"
)

var (
	// ErrPollBudgetExceeded is the cause of a FatalError, when poll_once did
	// not return within the poll budget.
	ErrPollBudgetExceeded = errors.New("wasmsource: poll budget exceeded")

	// ErrClosed is returned after the guest was terminated, or Close called.
	ErrClosed = errors.New("wasmsource: source closed")

	// ErrContextExists is returned (wrapping native.ErrCreateContext) by a
	// second CreateContext call.
	ErrContextExists = errors.New("wasmsource: context already created")
)

// Loader implements native.Loader, for a WebAssembly artifact.
type Loader struct {
	// Logger receives guest log output, and load diagnostics.
	Logger *logiface.Logger[logiface.Event]

	// Path to the .wasm file, used if Binary is empty.
	Path string

	// Binary is the module, overriding Path.
	Binary []byte

	// PollBudget bounds each poll_once call. Defaults to DefaultPollBudget.
	PollBudget time.Duration

	// MemoryLimitPages caps guest memory. Defaults to
	// DefaultMemoryLimitPages.
	MemoryLimitPages uint32
}

var _ native.Loader = (*Loader)(nil)

// Source is a native.Source backed by a wazero module instance. It is not
// safe for concurrent use, like the native sources it stands in for.
type Source struct {
	logger  *logiface.Logger[logiface.Event]
	runtime wazero.Runtime
	module  api.Module
	create  api.Function
	poll    api.Function
	wake    api.Function
	context *native.Context
	budget  time.Duration
	closed  atomic.Bool
}

var (
	_ native.Source = (*Source)(nil)
	_ native.Waker  = (*Source)(nil)
)

// Load implements native.Loader. Any failure wraps native.ErrLoad, or
// native.ErrIncompatible if the module does not implement the ABI.
func (x *Loader) Load(ctx context.Context) (native.Source, error) {
	src, err := x.Open(ctx)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// Open is Load, returning the concrete type.
func (x *Loader) Open(ctx context.Context) (*Source, error) {
	bin := x.Binary
	if len(bin) == 0 {
		if x.Path == "" {
			return nil, fmt.Errorf("%w: no wasm path or binary", native.ErrLoad)
		}
		var err error
		if bin, err = os.ReadFile(x.Path); err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", native.ErrLoad, x.Path, err)
		}
	}

	budget := x.PollBudget
	if budget <= 0 {
		budget = DefaultPollBudget
	}
	pages := x.MemoryLimitPages
	if pages == 0 {
		pages = DefaultMemoryLimitPages
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(pages))

	src, err := open(ctx, rt, bin, budget, x.Logger)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	x.Logger.Info().
		Str("path", x.Path).
		Int("size", len(bin)).
		Bool("waker", src.wake != nil).
		Dur("poll_budget", budget).
		Log("native wasm module loaded")

	return src, nil
}

func open(ctx context.Context, rt wazero.Runtime, bin []byte, budget time.Duration, logger *logiface.Logger[logiface.Event]) (*Source, error) {
	compiled, err := rt.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("%w: compile: %w", native.ErrLoad, err)
	}

	if err := checkABI(compiled); err != nil {
		return nil, err
	}

	if _, err := newHostModule(rt, logger).Instantiate(ctx); err != nil {
		return nil, fmt.Errorf("%w: instantiate host module: %w", native.ErrLoad, err)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithName("native").
		WithStartFunctions())
	if err != nil {
		return nil, fmt.Errorf("%w: instantiate: %w", native.ErrLoad, err)
	}

	if fn := mod.ExportedFunction(exportABIVersion); fn != nil {
		res, err := fn.Call(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", native.ErrLoad, exportABIVersion, err)
		}
		if v := api.DecodeI32(res[0]); v != ABIVersion {
			return nil, fmt.Errorf("%w: abi version %d, want %d", native.ErrIncompatible, v, ABIVersion)
		}
	}

	return &Source{
		logger:  logger,
		runtime: rt,
		module:  mod,
		create:  mod.ExportedFunction(exportCreateContext),
		poll:    mod.ExportedFunction(exportPollOnce),
		wake:    mod.ExportedFunction(exportPostEmptyEvent),
		budget:  budget,
	}, nil
}

var (
	sigI32      = []api.ValueType{api.ValueTypeI32}
	sigI32x3    = []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}
	sigNone     = []api.ValueType{}
	requiredABI = []struct {
		name            string
		params, results []api.ValueType
	}{
		{exportCreateContext, sigNone, sigI32},
		{exportPollOnce, sigI32, sigI32},
	}
	optionalABI = []struct {
		name            string
		params, results []api.ValueType
	}{
		{exportPostEmptyEvent, sigI32, sigNone},
		{exportABIVersion, sigNone, sigI32},
	}
)

// checkABI validates exports and imports, before anything is instantiated.
func checkABI(compiled wazero.CompiledModule) error {
	exports := compiled.ExportedFunctions()

	for _, fn := range requiredABI {
		def, ok := exports[fn.name]
		if !ok {
			return fmt.Errorf("%w: missing export %q", native.ErrIncompatible, fn.name)
		}
		if err := checkSignature(def, fn.params, fn.results); err != nil {
			return err
		}
	}

	for _, fn := range optionalABI {
		if def, ok := exports[fn.name]; ok {
			if err := checkSignature(def, fn.params, fn.results); err != nil {
				return err
			}
		}
	}

	for _, def := range compiled.ImportedFunctions() {
		moduleName, name, _ := def.Import()
		if moduleName != HostModule || name != hostLog {
			return fmt.Errorf("%w: unsupported import %s.%s", native.ErrIncompatible, moduleName, name)
		}
		if err := checkSignature(def, sigI32x3, sigNone); err != nil {
			return err
		}
	}

	return nil
}

func checkSignature(def api.FunctionDefinition, params, results []api.ValueType) error {
	if !slices.Equal(def.ParamTypes(), params) || !slices.Equal(def.ResultTypes(), results) {
		return fmt.Errorf("%w: %s has signature %v -> %v, want %v -> %v",
			native.ErrIncompatible, def.DebugName(), def.ParamTypes(), def.ResultTypes(), params, results)
	}
	return nil
}

// CreateContext implements native.Source.
func (x *Source) CreateContext(ctx context.Context) (*native.Context, error) {
	if x.closed.Load() {
		return nil, fmt.Errorf("%w: %w", native.ErrCreateContext, ErrClosed)
	}
	if x.context != nil {
		return nil, fmt.Errorf("%w: %w", native.ErrCreateContext, ErrContextExists)
	}

	res, err := x.create.Call(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", native.ErrCreateContext, err)
	}
	handle := api.DecodeI32(res[0])
	if handle < 0 {
		return nil, fmt.Errorf("%w: %s returned %d", native.ErrCreateContext, exportCreateContext, handle)
	}

	x.context = native.NewContext(uint64(handle), nil)
	return x.context, nil
}

// PollOnce implements native.Source. It is bounded by the poll budget.
func (x *Source) PollOnce(ctx context.Context, c *native.Context) (native.Outcome, error) {
	if x.closed.Load() {
		return native.FatalError, ErrClosed
	}

	callCtx, cancel := context.WithTimeout(ctx, x.budget)
	defer cancel()

	res, err := x.poll.Call(callCtx, api.EncodeI32(int32(c.Handle())))
	if err != nil {
		// the runtime closes the module once the deadline passes
		if callCtx.Err() != nil && ctx.Err() == nil {
			x.closed.Store(true)
			return native.FatalError, fmt.Errorf("%w (%s): %w", ErrPollBudgetExceeded, x.budget, err)
		}
		return native.FatalError, err
	}

	switch v := api.DecodeI32(res[0]); v {
	case 0:
		return native.NoEvent, nil
	case 1:
		return native.EventConsumed, nil
	default:
		return native.FatalError, fmt.Errorf("%w: %s returned %d", native.ErrPollFailed, exportPollOnce, v)
	}
}

// PostEmptyEvent implements native.Waker. It is a no-op if the guest does
// not export post_empty_event.
func (x *Source) PostEmptyEvent(ctx context.Context, c *native.Context) error {
	if x.wake == nil {
		return nil
	}
	if x.closed.Load() {
		return ErrClosed
	}
	callCtx, cancel := context.WithTimeout(ctx, x.budget)
	defer cancel()
	_, err := x.wake.Call(callCtx, api.EncodeI32(int32(c.Handle())))
	return err
}

// CanWake reports whether the guest exports post_empty_event.
func (x *Source) CanWake() bool {
	return x.wake != nil
}

// Close closes the wazero runtime, and with it the guest.
func (x *Source) Close(ctx context.Context) error {
	x.closed.Store(true)
	return x.runtime.Close(ctx)
}
