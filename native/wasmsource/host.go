package wasmsource

import (
	"context"

	"github.com/joeycumines/logiface"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// newHostModule builds the winloop host module, which exposes log.
func newHostModule(rt wazero.Runtime, logger *logiface.Logger[logiface.Event]) wazero.HostModuleBuilder {
	return rt.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			level := api.DecodeI32(stack[0])
			ptr := api.DecodeU32(stack[1])
			size := api.DecodeU32(stack[2])

			mem := mod.Memory()
			if mem == nil {
				logger.Warning().Log("wasm log: guest exports no memory")
				return
			}
			msg, ok := mem.Read(ptr, size)
			if !ok {
				logger.Warning().
					Uint64("ptr", uint64(ptr)).
					Uint64("len", uint64(size)).
					Log("wasm log: out of range")
				return
			}

			logger.Build(guestLevel(level)).
				Str("source", "guest").
				Log(string(msg))
		}), sigI32x3, sigNone).
		Export(hostLog)
}

// guestLevel maps the guest's log level to a logiface level.
func guestLevel(level int32) logiface.Level {
	switch {
	case level <= 0:
		return logiface.LevelDebug
	case level == 1:
		return logiface.LevelInformational
	case level == 2:
		return logiface.LevelWarning
	default:
		return logiface.LevelError
	}
}
