// Package evaluator loads a user-authored evaluation module with yaegi and
// runs candidate programs against it under a timeout/retry/cascade policy.
package evaluator

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	errs "openevolve/pkg/errors"
	"openevolve/pkg/logging"
)

// EvaluateFunc is the required shape of a module's Evaluate function:
// given the path to a candidate program's source file, return its metrics.
type EvaluateFunc func(programPath string) (map[string]float64, error)

// ArtifactFunc is the optional shape of EvaluateArtifacts: same as
// EvaluateFunc but additionally returns named text/binary side-channel
// artifacts, gathered only when artifact capture is enabled.
type ArtifactFunc func(programPath string) (map[string]float64, map[string]string, error)

// Module is a loaded evaluator: a required top-level Evaluate, plus optional
// cascade stages and an optional artifact-producing variant.
type Module struct {
	Evaluate       EvaluateFunc
	EvaluateStages []EvaluateFunc // Stage1, Stage2, Stage3, in order; only the configured ones are populated
	Artifacts      ArtifactFunc   // nil if the module doesn't define EvaluateArtifacts
}

// LoadModule interprets the Go source at path with yaegi and binds its
// exported evaluation functions. The module runs with the full standard
// library available and is not sandboxed: the evaluator is trusted code
// supplied by the operator running openevolve, not an evolved candidate.
func LoadModule(path string) (*Module, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.WithFields(errs.Wrap(err, errs.EvaluatorLoad, "read evaluator source"), errs.Fields{"path": path})
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, errs.Wrap(err, errs.EvaluatorLoad, "load stdlib symbols")
	}

	code := wrapPackage(string(src))
	if _, err := i.Eval(code); err != nil {
		return nil, errs.WithFields(errs.Wrap(err, errs.EvaluatorLoad, "evaluate module source"), errs.Fields{"path": path})
	}

	evalFn, err := bindEvaluate(i, "evaluator.Evaluate")
	if err != nil {
		return nil, errs.WithFields(errs.Wrap(err, errs.EvaluatorLoad, "bind Evaluate"), errs.Fields{"path": path})
	}

	mod := &Module{Evaluate: evalFn}

	stageNames := []string{"evaluator.EvaluateStage1", "evaluator.EvaluateStage2", "evaluator.EvaluateStage3"}
	var stages []EvaluateFunc
	stage1Present := false
	gap := false
	for idx, name := range stageNames {
		fn, err := bindEvaluate(i, name)
		if err != nil {
			continue
		}
		if idx == 0 {
			stage1Present = true
		} else if !stage1Present {
			// A later stage exists without stage1 preceding it: the module
			// is malformed, so cascade evaluation is skipped entirely
			// rather than misapplying this stage as if it were stage1.
			gap = true
			continue
		}
		stages = append(stages, fn)
	}
	if gap {
		logging.GetLogger().Warn(context.Background(), "evaluator module at %s defines a later cascade stage without EvaluateStage1: falling back to direct evaluation", path)
	} else {
		mod.EvaluateStages = stages
	}

	if fn, err := bindArtifacts(i, "evaluator.EvaluateArtifacts"); err == nil {
		mod.Artifacts = fn
	}

	return mod, nil
}

func wrapPackage(src string) string {
	if strings.Contains(src, "package ") {
		return src
	}
	return fmt.Sprintf("package evaluator\n\n%s", src)
}

func bindEvaluate(i *interp.Interpreter, symbol string) (EvaluateFunc, error) {
	v, err := i.Eval(symbol)
	if err != nil {
		return nil, err
	}
	fn, ok := v.Interface().(func(string) (map[string]float64, error))
	if !ok {
		return nil, fmt.Errorf("%s has wrong signature: got %s", symbol, reflect.TypeOf(v.Interface()))
	}
	return fn, nil
}

func bindArtifacts(i *interp.Interpreter, symbol string) (ArtifactFunc, error) {
	v, err := i.Eval(symbol)
	if err != nil {
		return nil, err
	}
	fn, ok := v.Interface().(func(string) (map[string]float64, map[string]string, error))
	if !ok {
		return nil, fmt.Errorf("%s has wrong signature", symbol)
	}
	return fn, nil
}
