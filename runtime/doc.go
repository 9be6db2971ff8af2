// Package runtime is the high-level entry point: it compiles an engine once
// and runs any number of independent, concurrent bridge runs against it.
//
//	rt, err := runtime.New(ctx, runtime.Options{WASM: wasmBytes})
//	if err != nil {
//	    return err
//	}
//	defer rt.Close(ctx)
//
//	res, err := rt.Run(ctx, stdiobridge.Options{
//	    Args:        []string{"-sDEVICE=pdfwrite", "-sOutputFile=out.pdf", "in.ps"},
//	    InputFiles:  map[string][]byte{"in.ps": ps},
//	    OutputPaths: []string{"out.pdf"},
//	})
//
// Each Run gets its own supervisor, execution context, handoff region and
// file space; nothing is shared between runs except the compiled module.
package runtime
