package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/parser"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
)

// cueInputs declares the fields a program may read. It is appended rather
// than prepended so programs may start with imports.
const cueInputs = `
events:   [...]
siblings: [...]
latest:   _
`

var (
	pathEvents   = cue.ParsePath("events")
	pathSiblings = cue.ParsePath("siblings")
	pathLatest   = cue.ParsePath("latest")
	pathResult   = cue.ParsePath("result")
)

// cueRunner evaluates a CUE program. Each evaluation uses a fresh context:
// cue.Context is not safe for concurrent use and grows with every value.
type cueRunner struct {
	source string
}

func newCUERunner(source string) (*cueRunner, error) {
	src := source + "\n" + cueInputs

	f, err := parser.ParseFile("transform.cue", src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, formatCUEError(err))
	}
	for _, imp := range f.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			path = imp.Path.Value
		}
		if strings.HasPrefix(path, "tool/") || strings.Contains(path, ".") {
			return nil, fmt.Errorf("%w: %q", ErrForbiddenImport, path)
		}
	}

	v := cuecontext.New().CompileString(src)
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, formatCUEError(err))
	}
	// Inputs are still open here, so only hard conflicts are reported.
	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, formatCUEError(err))
	}
	if !v.LookupPath(pathResult).Exists() {
		return nil, fmt.Errorf("%w: cue program defines no result field", ErrInvalidSpec)
	}
	return &cueRunner{source: src}, nil
}

func (r *cueRunner) run(ctx context.Context, _ purpose, in Input) (any, error) {
	cctx := cuecontext.New()
	v := cctx.CompileString(r.source)

	inputs := []struct {
		path  cue.Path
		value any
	}{
		{pathEvents, in.Events},
		{pathSiblings, in.Siblings},
		{pathLatest, in.Latest},
	}
	for _, input := range inputs {
		x, err := compileJSON(cctx, input.value)
		if err != nil {
			return nil, err
		}
		v = v.FillPath(input.path, x)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := v.LookupPath(pathResult)
	if err := result.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}
	data, err := result.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(err)
	}
	return json.RawMessage(data), nil
}

// compileJSON passes inputs through their wire form so integers stay
// integers inside the program.
func compileJSON(cctx *cue.Context, v any) (cue.Value, error) {
	if evs, ok := v.([]*event.Event); ok && evs == nil {
		v = []*event.Event{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return cue.Value{}, fmt.Errorf("encode cue input: %w", err)
	}
	x := cctx.CompileBytes(data)
	if err := x.Err(); err != nil {
		return cue.Value{}, formatCUEError(err)
	}
	return x, nil
}

// formatCUEError reduces a CUE error list to its first error with position.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return fmt.Errorf("cue %s: %s", positions[0], first.Error())
	}
	return first
}
