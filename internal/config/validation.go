package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration values.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

func (v *Validator) result() error {
	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

// Validate validates the entire configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	v.validateServerConfig(&cfg.Server)
	v.validateNodeConfig(&cfg.Node)
	v.validateClusterConfig(&cfg.Cluster)
	v.validateMLConfig(&cfg.ML)
	v.validateStoreConfig(&cfg.Store)
	v.validateLogging(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)

	return v.result()
}

// ValidateML validates only the live ML settings.
func (v *Validator) ValidateML(cfg *MLConfig) error {
	v.errors = make(ValidationErrors, 0)
	v.validateMLConfig(cfg)
	return v.result()
}

func (v *Validator) validateServerConfig(cfg *ServerConfig) {
	if cfg.Address == "" {
		v.addError("server.address", "address is required")
	} else if !isValidAddress(cfg.Address) {
		v.addError("server.address", "invalid address format, expected host:port or :port")
	}
	if cfg.ReadTimeout < 0 {
		v.addError("server.read_timeout", "read timeout must be non-negative")
	}
	if cfg.WriteTimeout < 0 {
		v.addError("server.write_timeout", "write timeout must be non-negative")
	}
}

func (v *Validator) validateNodeConfig(cfg *NodeConfig) {
	valid := map[string]bool{"cluster_manager": true, "data": true, "ml": true}
	if len(cfg.Roles) == 0 {
		v.addError("node.roles", "at least one role is required")
	}
	for _, r := range cfg.Roles {
		if !valid[r] {
			v.addError("node.roles", fmt.Sprintf("invalid role '%s', must be one of: cluster_manager, data, ml", r))
		}
	}
	if cfg.JoinAddr != "" && !strings.Contains(cfg.JoinAddr, ":") {
		v.addError("node.join_addr", "invalid join address format, expected host:port")
	}
}

func (v *Validator) validateClusterConfig(cfg *ClusterConfig) {
	if cfg.HeartbeatInterval <= 0 {
		v.addError("cluster.heartbeat_interval", "heartbeat interval must be positive")
	}
	if cfg.HeartbeatTimeout <= 0 {
		v.addError("cluster.heartbeat_timeout", "heartbeat timeout must be positive")
	}
	if cfg.HeartbeatTimeout > 0 && cfg.HeartbeatInterval > 0 &&
		cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		v.addError("cluster.heartbeat_timeout", "heartbeat timeout should be greater than heartbeat interval")
	}
	if cfg.RedeployInterval < time.Second {
		v.addError("cluster.redeploy_interval", "redeploy interval should be at least 1 second")
	}
	if cfg.RPCTimeout <= 0 {
		v.addError("cluster.rpc_timeout", "rpc timeout must be positive")
	}
}

func (v *Validator) validateMLConfig(cfg *MLConfig) {
	if cfg.JVMHeapMemoryThreshold < 0 || cfg.JVMHeapMemoryThreshold > 100 {
		v.addError("ml.jvm_heap_memory_threshold", "threshold must be between 0 and 100")
	}
	if cfg.NativeMemoryThreshold < 0 || cfg.NativeMemoryThreshold > 100 {
		v.addError("ml.native_memory_threshold", "threshold must be between 0 and 100")
	}
	if cfg.DiskFreeSpaceThreshold < 0 {
		v.addError("ml.disk_free_space_threshold", "threshold must be non-negative")
	}
	if cfg.AutoRedeployLifetimeRetries < 0 {
		v.addError("ml.model_auto_redeploy.lifetime_retry_times", "retry times must be non-negative")
	}
	if cfg.TaskDispatchPolicy != DispatchRoundRobin && cfg.TaskDispatchPolicy != DispatchLeastLoad {
		v.addError("ml.task_dispatch_policy", fmt.Sprintf("invalid policy '%s', must be one of: round_robin, least_load", cfg.TaskDispatchPolicy))
	}
	if cfg.MaxMLTaskPerNode < 0 {
		v.addError("ml.max_ml_task_per_node", "must be non-negative")
	}
	if cfg.MaxDeployTasksPerNode < 0 {
		v.addError("ml.max_deploy_model_tasks_per_node", "must be non-negative")
	}
	if cfg.MaxRegisterTasksPerNode < 0 {
		v.addError("ml.max_register_model_tasks_per_node", "must be non-negative")
	}
	if cfg.TaskUpdateTimeout <= 0 {
		v.addError("ml.task_update_timeout", "timeout must be positive")
	}
}

func (v *Validator) validateStoreConfig(cfg *StoreConfig) {
	switch cfg.Driver {
	case "memory":
	case "redis":
		if cfg.Redis.Host == "" || cfg.Redis.Port <= 0 {
			v.addError("store.redis", "host and port are required")
		}
	case "mysql", "postgres":
		if cfg.Database.Host == "" || cfg.Database.Database == "" {
			v.addError("store.database", "host and database are required")
		}
	default:
		v.addError("store.driver", fmt.Sprintf("invalid driver '%s', must be one of: memory, redis, mysql, postgres", cfg.Driver))
	}
}

func (v *Validator) validateLogging(level, format, output string) {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(level)] {
		v.addError("logging.level", fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", level))
	}
	if format != "json" && format != "console" {
		v.addError("logging.format", fmt.Sprintf("invalid log format '%s', must be one of: json, console", format))
	}
	switch output {
	case "", "stdout", "file", "both":
	default:
		v.addError("logging.output", fmt.Sprintf("invalid log output '%s', must be one of: stdout, file, both", output))
	}
}

// isValidAddress checks if the address is a valid host:port format.
func isValidAddress(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return false
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return false
	}
	if host != "" && net.ParseIP(host) == nil {
		return isValidHostname(host)
	}
	return true
}

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	for _, label := range strings.Split(hostname, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		for _, c := range label {
			if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-') {
				return false
			}
		}
	}
	return true
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}
