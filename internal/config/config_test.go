package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 85, cfg.ML.JVMHeapMemoryThreshold)
	assert.Equal(t, 90, cfg.ML.NativeMemoryThreshold)
	assert.Equal(t, int64(5*1024*1024*1024), cfg.ML.DiskFreeSpaceThreshold)
	assert.True(t, cfg.ML.AutoRedeployEnable)
	assert.True(t, cfg.ML.OnlyRunOnMLNode)
	assert.False(t, cfg.ML.AllowCustomDeploymentPlan)
	assert.Equal(t, 3, cfg.ML.AutoRedeployLifetimeRetries)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	content := `
server:
  address: ":9300"
node:
  id: node-a
  roles: [ml]
cluster:
  heartbeat_interval: 2s
  heartbeat_timeout: 6s
ml:
  jvm_heap_memory_threshold: 70
  task_dispatch_policy: least_load
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":9300", cfg.Server.Address)
	assert.Equal(t, "node-a", cfg.Node.ID)
	assert.Equal(t, []string{"ml"}, cfg.Node.Roles)
	assert.Equal(t, 2*time.Second, cfg.Cluster.HeartbeatInterval)
	assert.Equal(t, 70, cfg.ML.JVMHeapMemoryThreshold)
	assert.Equal(t, DispatchLeastLoad, cfg.ML.TaskDispatchPolicy)
	// untouched values keep their defaults
	assert.Equal(t, 90, cfg.ML.NativeMemoryThreshold)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Address, cfg.Server.Address)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("ML_NODE_ID", "env-node")
	t.Setenv("ML_NATIVE_MEMORY_THRESHOLD", "75")
	t.Setenv("ML_EXCLUDE_NODES_NAME", "a, b")
	t.Setenv("ML_LOG_LEVEL", "debug")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, "env-node", cfg.Node.ID)
	assert.Equal(t, 75, cfg.ML.NativeMemoryThreshold)
	assert.Equal(t, []string{"a", "b"}, cfg.ML.ExcludeNodeNames)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestCmdArgsOverrideEnv(t *testing.T) {
	t.Setenv("ML_NODE_ID", "env-node")

	cfg, err := NewLoader().WithCmdArgs(map[string]string{
		"node.id":                    "flag-node",
		"cluster.heartbeat_interval": "1s",
		"ml.only_run_on_ml_node":     "false",
	}).Load()
	require.NoError(t, err)
	assert.Equal(t, "flag-node", cfg.Node.ID)
	assert.Equal(t, time.Second, cfg.Cluster.HeartbeatInterval)
	assert.False(t, cfg.ML.OnlyRunOnMLNode)
}

func TestCmdArgsUnknownPath(t *testing.T) {
	_, err := NewLoader().WithCmdArgs(map[string]string{"nope.value": "1"}).Load()
	assert.Error(t, err)
}

func TestValidationErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ML.JVMHeapMemoryThreshold = 101
	cfg.ML.TaskDispatchPolicy = "random"
	cfg.Node.Roles = []string{"master"}
	cfg.Store.Driver = "cassandra"

	err := cfg.Validate()
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	fields := make([]string, 0, len(verrs))
	for _, e := range verrs {
		fields = append(fields, e.Field)
	}
	assert.Contains(t, fields, "ml.jvm_heap_memory_threshold")
	assert.Contains(t, fields, "ml.task_dispatch_policy")
	assert.Contains(t, fields, "node.roles")
	assert.Contains(t, fields, "store.driver")
}
