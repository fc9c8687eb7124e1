package config

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"yqhp/ml-orchestrator/internal/logger"
)

// Setting keys.
const (
	KeyJVMHeapMemoryThreshold      = "ml.jvm_heap_memory_threshold"
	KeyNativeMemoryThreshold       = "ml.native_memory_threshold"
	KeyDiskFreeSpaceThreshold      = "ml.disk_free_space_threshold"
	KeyDiskPath                    = "ml.disk_path"
	KeyAutoRedeployEnable          = "ml.model_auto_redeploy.enable"
	KeyAutoRedeployLifetimeRetries = "ml.model_auto_redeploy.lifetime_retry_times"
	KeyOnlyRunOnMLNode             = "ml.only_run_on_ml_node"
	KeyAllowCustomDeploymentPlan   = "ml.allow_custom_deployment_plan"
	KeyTaskDispatchPolicy          = "ml.task_dispatch_policy"
	KeyMaxMLTaskPerNode            = "ml.max_ml_task_per_node"
	KeyMaxDeployTasksPerNode       = "ml.max_deploy_model_tasks_per_node"
	KeyMaxRegisterTasksPerNode     = "ml.max_register_model_tasks_per_node"
	KeyExcludeNodeNames            = "ml.exclude_nodes._name"
	KeyTaskUpdateTimeout           = "ml.task_update_timeout"
)

// UpdateConsumer is notified with the new settings after a key changes.
type UpdateConsumer func(MLConfig)

// Settings holds the live ML cluster settings. Readers always see the value
// current at call time; writers are validated as a whole before applying.
type Settings struct {
	mu        sync.RWMutex
	cfg       MLConfig
	consumers map[string][]UpdateConsumer
	logger    *zap.Logger
}

// NewSettings creates live settings seeded from cfg.
func NewSettings(cfg MLConfig, log *zap.Logger) *Settings {
	cfg.ExcludeNodeNames = append([]string(nil), cfg.ExcludeNodeNames...)
	return &Settings{
		cfg:       cfg,
		consumers: make(map[string][]UpdateConsumer),
		logger:    logger.Or(log, "settings"),
	}
}

// OnUpdate registers a consumer for key.
func (s *Settings) OnUpdate(key string, fn UpdateConsumer) error {
	if _, ok := settingField(key); !ok {
		return fmt.Errorf("unknown setting: %s", key)
	}
	s.mu.Lock()
	s.consumers[key] = append(s.consumers[key], fn)
	s.mu.Unlock()
	return nil
}

// Set updates a single setting from its string form.
func (s *Settings) Set(key, value string) error {
	return s.Apply(map[string]string{key: value})
}

// Apply updates several settings atomically. Either all values are applied
// or none is.
func (s *Settings) Apply(updates map[string]string) error {
	if len(updates) == 0 {
		return nil
	}

	s.mu.Lock()
	next := s.cfg
	next.ExcludeNodeNames = append([]string(nil), s.cfg.ExcludeNodeNames...)
	rv := reflect.ValueOf(&next).Elem()

	keys := make([]string, 0, len(updates))
	for key, value := range updates {
		idx, ok := settingField(key)
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("unknown setting: %s", key)
		}
		if err := setFieldValue(rv.Field(idx), value); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		keys = append(keys, key)
	}
	if err := NewValidator().ValidateML(&next); err != nil {
		s.mu.Unlock()
		return err
	}

	prev := s.cfg
	s.cfg = next
	sort.Strings(keys)
	var fire []UpdateConsumer
	for _, key := range keys {
		idx, _ := settingField(key)
		if reflect.DeepEqual(reflect.ValueOf(prev).Field(idx).Interface(), rv.Field(idx).Interface()) {
			continue
		}
		fire = append(fire, s.consumers[key]...)
		s.logger.Info("setting updated", zap.String("key", key), zap.String("value", updates[key]))
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	for _, fn := range fire {
		fn(snapshot)
	}
	return nil
}

// Snapshot returns a copy of the current settings.
func (s *Settings) Snapshot() MLConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Settings) snapshotLocked() MLConfig {
	c := s.cfg
	c.ExcludeNodeNames = append([]string(nil), s.cfg.ExcludeNodeNames...)
	return c
}

// All returns every setting keyed by its setting name.
func (s *Settings) All() map[string]any {
	snap := s.Snapshot()
	rv := reflect.ValueOf(snap)
	rt := rv.Type()
	out := make(map[string]any, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		key := rt.Field(i).Tag.Get("setting")
		if key == "" {
			continue
		}
		v := rv.Field(i).Interface()
		if d, ok := v.(time.Duration); ok {
			v = d.String()
		}
		out[key] = v
	}
	return out
}

func (s *Settings) HeapThreshold() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.JVMHeapMemoryThreshold
}

func (s *Settings) NativeMemoryThreshold() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.NativeMemoryThreshold
}

func (s *Settings) DiskFreeSpaceThreshold() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.DiskFreeSpaceThreshold
}

func (s *Settings) DiskPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.DiskPath
}

func (s *Settings) AutoRedeployEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.AutoRedeployEnable
}

func (s *Settings) AutoRedeployMaxRetryTimes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.AutoRedeployLifetimeRetries
}

func (s *Settings) OnlyRunOnMLNode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.OnlyRunOnMLNode
}

func (s *Settings) AllowCustomDeploymentPlan() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.AllowCustomDeploymentPlan
}

func (s *Settings) DispatchPolicy() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.TaskDispatchPolicy
}

func (s *Settings) MaxMLTaskPerNode() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.MaxMLTaskPerNode
}

func (s *Settings) MaxDeployTasksPerNode() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.MaxDeployTasksPerNode
}

func (s *Settings) MaxRegisterTasksPerNode() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.MaxRegisterTasksPerNode
}

func (s *Settings) ExcludeNodeNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.cfg.ExcludeNodeNames...)
}

func (s *Settings) TaskUpdateTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.TaskUpdateTimeout
}

var settingIndex = func() map[string]int {
	rt := reflect.TypeOf(MLConfig{})
	idx := make(map[string]int, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		if key := rt.Field(i).Tag.Get("setting"); key != "" {
			idx[key] = i
		}
	}
	return idx
}()

func settingField(key string) (int, bool) {
	i, ok := settingIndex[key]
	return i, ok
}
