package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "openevolve/pkg/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadResolvesEnvVar(t *testing.T) {
	t.Setenv("OPENEVOLVE_TEST_KEY", "sk-abc")
	path := writeConfig(t, "llm:\n  apiKey: \"${OPENEVOLVE_TEST_KEY}\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-abc", cfg.LLM.APIKey)
}

func TestLoadFailsOnUnresolvedEnvVar(t *testing.T) {
	os.Unsetenv("OPENEVOLVE_MISSING_KEY")
	path := writeConfig(t, "llm:\n  apiKey: \"${OPENEVOLVE_MISSING_KEY}\"\n")

	_, err := Load(path)
	require.Error(t, err)
	var e *errs.Error
	require.True(t, errAs(err, &e))
	assert.Equal(t, errs.ConfigLoad, e.Code())
}

func errAs(err error, target **errs.Error) bool {
	type asErr interface{ As(interface{}) bool }
	if ae, ok := err.(asErr); ok {
		return ae.As(target)
	}
	return false
}

func TestLoadAppliesDefaultModel(t *testing.T) {
	path := writeConfig(t, "maxIterations: 5\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.LLM.Models, 1)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Models[0].Name)
	assert.Equal(t, cfg.LLM.Models, cfg.LLM.EvaluatorModels)
}

func TestLoadEvaluatorModelsPreservedWhenSet(t *testing.T) {
	path := writeConfig(t, "llm:\n  models:\n    - name: a\n      weight: 1\n  evaluatorModels:\n    - name: b\n      weight: 1\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.LLM.EvaluatorModels, 1)
	assert.Equal(t, "b", cfg.LLM.EvaluatorModels[0].Name)
}

func TestValidateRejectsZeroWeightModels(t *testing.T) {
	cfg := Default()
	cfg.LLM.Models = []ModelConfig{{Name: "x", Weight: 0}}
	err := Validate(cfg)
	require.Error(t, err)
}

func TestValidateRejectsNonPositivePopulation(t *testing.T) {
	cfg := Default()
	cfg.Database.PopulationSize = 0
	err := Validate(cfg)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
	var e *errs.Error
	require.True(t, errAs(err, &e))
	assert.Equal(t, errs.ConfigLoad, e.Code())
}
