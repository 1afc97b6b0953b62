package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonsobs/librarian/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "background.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadBackgroundConfig_ValidDocument(t *testing.T) {
	path := writeConfig(t, `
tasks:
  check_integrity:
    - task_name: check-s1
      kind: check_integrity
      every: 1h
      soft_timeout: 10m
      options:
        store_name: s1
  rolling_deletion:
    - task_name: roll-s1
      every: 24h
      soft_timeout: 30m
      options:
        store_name: s1
        number_of_remote_copies: 2
`)
	cfg, err := config.LoadBackgroundConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Tasks[config.TaskCheckIntegrity], 1)
	assert.Equal(t, config.TaskCheckIntegrity, cfg.Tasks[config.TaskCheckIntegrity][0].Kind, "a blank kind in the instance must default to its map key")
	assert.Equal(t, "s1", cfg.Tasks[config.TaskRollingDeletion][0].Options.StoreName)
}

func TestLoadBackgroundConfig_RejectsUnknownTaskKind(t *testing.T) {
	path := writeConfig(t, `
tasks:
  not_a_real_task:
    - task_name: x
      every: 1h
      soft_timeout: 1m
`)
	_, err := config.LoadBackgroundConfig(path)
	require.Error(t, err)
}

func TestLoadBackgroundConfig_RejectsDuplicateTaskName(t *testing.T) {
	path := writeConfig(t, `
tasks:
  check_integrity:
    - task_name: dup
      every: 1h
      soft_timeout: 1m
      options:
        store_name: s1
    - task_name: dup
      every: 2h
      soft_timeout: 1m
      options:
        store_name: s2
`)
	_, err := config.LoadBackgroundConfig(path)
	require.Error(t, err)
}

func TestLoadBackgroundConfig_RejectsMissingRequiredOption(t *testing.T) {
	path := writeConfig(t, `
tasks:
  create_local_clone:
    - task_name: clone-1
      every: 1h
      soft_timeout: 1m
      options:
        clone_from: s1
`)
	_, err := config.LoadBackgroundConfig(path)
	require.Error(t, err, "clone_to and files_per_run are required for create_local_clone")
}

func TestLoadBackgroundConfig_RejectsNonPositiveEvery(t *testing.T) {
	path := writeConfig(t, `
tasks:
  corruption_fixer:
    - task_name: fixer
      every: 0s
      soft_timeout: 1m
`)
	_, err := config.LoadBackgroundConfig(path)
	require.Error(t, err)
}

func TestLoadBackgroundConfig_NoRequiredOptionsForHypervisors(t *testing.T) {
	path := writeConfig(t, `
tasks:
  consume_queue:
    - task_name: consume
      every: 30s
      soft_timeout: 20s
`)
	cfg, err := config.LoadBackgroundConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Tasks[config.TaskConsumeQueue], 1)
}
