package engine

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/wippyai/wasm-stdio-bridge/errors"
)

const (
	wasiModule = "wasi_snapshot_preview1"
	envModule  = "env"
)

// envStubs are the emscripten runtime imports a standalone build may still
// carry. None of them affect console or file I/O.
var envStubs = map[string]struct {
	params  []api.ValueType
	results []api.ValueType
	fn      api.GoModuleFunc
}{
	"emscripten_notify_memory_growth": {
		params: []api.ValueType{api.ValueTypeI32},
		fn:     func(context.Context, api.Module, []uint64) {},
	},
	"__syscall_fadvise64": {
		params:  []api.ValueType{api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeI64, api.ValueTypeI32},
		results: []api.ValueType{api.ValueTypeI32},
		fn:      func(_ context.Context, _ api.Module, stack []uint64) { stack[0] = 0 },
	},
}

// instantiateHostModules instantiates WASI preview1 and, when the module
// imports from env, the emscripten stubs it needs. An env import without a
// stub fails the load instead of trapping mid-run.
func instantiateHostModules(ctx context.Context, r wazero.Runtime, compiled wazero.CompiledModule) error {
	if r.Module(wasiModule) == nil {
		builder := r.NewHostModuleBuilder(wasiModule)
		wasi_snapshot_preview1.NewFunctionExporter().ExportFunctions(builder)
		if _, err := builder.Instantiate(ctx); err != nil {
			return errors.Wrap(errors.PhaseLoad, errors.KindInstantiation, err, "instantiate "+wasiModule)
		}
	}

	var needed []string
	for _, fn := range compiled.ImportedFunctions() {
		mod, name, _ := fn.Import()
		if mod == envModule {
			needed = append(needed, name)
		}
	}
	if len(needed) == 0 {
		return nil
	}

	builder := r.NewHostModuleBuilder(envModule)
	for _, name := range needed {
		stub, ok := envStubs[name]
		if !ok {
			return errors.NotFound(errors.PhaseLoad, "import", envModule+"."+name)
		}
		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(stub.fn, stub.params, stub.results).
			Export(name)
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		return errors.Wrap(errors.PhaseLoad, errors.KindInstantiation, err, "instantiate "+envModule)
	}
	return nil
}
