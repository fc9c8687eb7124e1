package config

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSettings() *Settings {
	return NewSettings(DefaultMLConfig(), zap.NewNop())
}

func TestSettingsSetAndRead(t *testing.T) {
	s := newTestSettings()

	require.NoError(t, s.Set(KeyJVMHeapMemoryThreshold, "60"))
	assert.Equal(t, 60, s.HeapThreshold())

	require.NoError(t, s.Set(KeyDiskFreeSpaceThreshold, "0"))
	assert.Equal(t, int64(0), s.DiskFreeSpaceThreshold())

	require.NoError(t, s.Set(KeyExcludeNodeNames, "node-x,node-y"))
	assert.Equal(t, []string{"node-x", "node-y"}, s.ExcludeNodeNames())

	require.NoError(t, s.Set(KeyTaskUpdateTimeout, "250ms"))
	assert.Equal(t, 250*time.Millisecond, s.TaskUpdateTimeout())
}

func TestSettingsRejectsInvalid(t *testing.T) {
	s := newTestSettings()

	assert.Error(t, s.Set("ml.unknown", "1"))
	assert.Error(t, s.Set(KeyNativeMemoryThreshold, "abc"))
	assert.Error(t, s.Set(KeyNativeMemoryThreshold, "120"))
	assert.Equal(t, 90, s.NativeMemoryThreshold())
}

func TestSettingsApplyIsAtomic(t *testing.T) {
	s := newTestSettings()

	err := s.Apply(map[string]string{
		KeyJVMHeapMemoryThreshold: "50",
		KeyTaskDispatchPolicy:     "bogus",
	})
	require.Error(t, err)
	assert.Equal(t, 85, s.HeapThreshold())
	assert.Equal(t, DispatchRoundRobin, s.DispatchPolicy())
}

func TestSettingsConsumers(t *testing.T) {
	s := newTestSettings()

	var got []bool
	require.NoError(t, s.OnUpdate(KeyOnlyRunOnMLNode, func(c MLConfig) {
		got = append(got, c.OnlyRunOnMLNode)
	}))
	assert.Error(t, s.OnUpdate("ml.nope", func(MLConfig) {}))

	require.NoError(t, s.Set(KeyOnlyRunOnMLNode, "false"))
	// same value does not fire
	require.NoError(t, s.Set(KeyOnlyRunOnMLNode, "false"))
	require.NoError(t, s.Set(KeyOnlyRunOnMLNode, "true"))

	assert.Equal(t, []bool{false, true}, got)
}

func TestSettingsAll(t *testing.T) {
	s := newTestSettings()
	all := s.All()
	assert.Equal(t, 85, all[KeyJVMHeapMemoryThreshold])
	assert.Equal(t, true, all[KeyAutoRedeployEnable])
	assert.Equal(t, "5s", all[KeyTaskUpdateTimeout])
	assert.Len(t, all, len(settingIndex))
}

func TestSettingsConcurrentAccess(t *testing.T) {
	s := newTestSettings()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.Set(KeyMaxMLTaskPerNode, "7")
		}()
		go func() {
			defer wg.Done()
			_ = s.MaxMLTaskPerNode()
			_ = s.ExcludeNodeNames()
		}()
	}
	wg.Wait()
	assert.Equal(t, 7, s.MaxMLTaskPerNode())
}
