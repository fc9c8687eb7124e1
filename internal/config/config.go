package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"yqhp/ml-orchestrator/internal/logger"
)

// Config represents the complete configuration of an orchestrator node.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Node    NodeConfig    `yaml:"node"`
	Cluster ClusterConfig `yaml:"cluster"`
	ML      MLConfig      `yaml:"ml"`
	Store   StoreConfig   `yaml:"store"`
	Pool    PoolConfig    `yaml:"pool"`
	Logging logger.Config `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address      string        `yaml:"address" env:"ML_SERVER_ADDRESS"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"ML_SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"ML_SERVER_WRITE_TIMEOUT"`
	EnableCORS   bool          `yaml:"enable_cors" env:"ML_SERVER_ENABLE_CORS"`
}

// NodeConfig identifies the local node.
type NodeConfig struct {
	ID      string            `yaml:"id" env:"ML_NODE_ID"`
	Name    string            `yaml:"name" env:"ML_NODE_NAME"`
	Address string            `yaml:"address" env:"ML_NODE_ADDRESS"`
	Roles   []string          `yaml:"roles" env:"ML_NODE_ROLES"`
	Labels  map[string]string `yaml:"labels" env:"ML_NODE_LABELS"`
	// JoinAddr is the cluster-manager address a non-manager node joins through.
	JoinAddr string `yaml:"join_addr" env:"ML_NODE_JOIN_ADDR"`
}

// ClusterConfig holds membership and RPC timing.
type ClusterConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"ML_CLUSTER_HEARTBEAT_INTERVAL"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout" env:"ML_CLUSTER_HEARTBEAT_TIMEOUT"`
	RedeployInterval  time.Duration `yaml:"redeploy_interval" env:"ML_CLUSTER_REDEPLOY_INTERVAL"`
	RPCTimeout        time.Duration `yaml:"rpc_timeout" env:"ML_CLUSTER_RPC_TIMEOUT"`
	// ClusterManager pins the elected cluster-manager; empty means the
	// lowest online node id with the cluster_manager role.
	ClusterManager string `yaml:"cluster_manager" env:"ML_CLUSTER_MANAGER"`
}

// MLConfig holds the initial values of the live ML settings. The setting
// tag is the key accepted by Settings.Set.
type MLConfig struct {
	JVMHeapMemoryThreshold      int           `yaml:"jvm_heap_memory_threshold" env:"ML_JVM_HEAP_MEMORY_THRESHOLD" setting:"ml.jvm_heap_memory_threshold"`
	NativeMemoryThreshold       int           `yaml:"native_memory_threshold" env:"ML_NATIVE_MEMORY_THRESHOLD" setting:"ml.native_memory_threshold"`
	DiskFreeSpaceThreshold      int64         `yaml:"disk_free_space_threshold" env:"ML_DISK_FREE_SPACE_THRESHOLD" setting:"ml.disk_free_space_threshold"`
	DiskPath                    string        `yaml:"disk_path" env:"ML_DISK_PATH" setting:"ml.disk_path"`
	AutoRedeployEnable          bool          `yaml:"model_auto_redeploy_enable" env:"ML_MODEL_AUTO_REDEPLOY_ENABLE" setting:"ml.model_auto_redeploy.enable"`
	AutoRedeployLifetimeRetries int           `yaml:"model_auto_redeploy_lifetime_retry_times" env:"ML_MODEL_AUTO_REDEPLOY_LIFETIME_RETRY_TIMES" setting:"ml.model_auto_redeploy.lifetime_retry_times"`
	OnlyRunOnMLNode             bool          `yaml:"only_run_on_ml_node" env:"ML_ONLY_RUN_ON_ML_NODE" setting:"ml.only_run_on_ml_node"`
	AllowCustomDeploymentPlan   bool          `yaml:"allow_custom_deployment_plan" env:"ML_ALLOW_CUSTOM_DEPLOYMENT_PLAN" setting:"ml.allow_custom_deployment_plan"`
	TaskDispatchPolicy          string        `yaml:"task_dispatch_policy" env:"ML_TASK_DISPATCH_POLICY" setting:"ml.task_dispatch_policy"`
	MaxMLTaskPerNode            int           `yaml:"max_ml_task_per_node" env:"ML_MAX_ML_TASK_PER_NODE" setting:"ml.max_ml_task_per_node"`
	MaxDeployTasksPerNode       int           `yaml:"max_deploy_model_tasks_per_node" env:"ML_MAX_DEPLOY_MODEL_TASKS_PER_NODE" setting:"ml.max_deploy_model_tasks_per_node"`
	MaxRegisterTasksPerNode     int           `yaml:"max_register_model_tasks_per_node" env:"ML_MAX_REGISTER_MODEL_TASKS_PER_NODE" setting:"ml.max_register_model_tasks_per_node"`
	ExcludeNodeNames            []string      `yaml:"exclude_nodes_name" env:"ML_EXCLUDE_NODES_NAME" setting:"ml.exclude_nodes._name"`
	TaskUpdateTimeout           time.Duration `yaml:"task_update_timeout" env:"ML_TASK_UPDATE_TIMEOUT" setting:"ml.task_update_timeout"`
}

// StoreConfig selects the persisted model/task record backend.
type StoreConfig struct {
	Driver   string         `yaml:"driver" env:"ML_STORE_DRIVER"` // memory, redis, mysql, postgres
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Host      string `yaml:"host" env:"ML_REDIS_HOST"`
	Port      int    `yaml:"port" env:"ML_REDIS_PORT"`
	Password  string `yaml:"password" env:"ML_REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"ML_REDIS_DB"`
	KeyPrefix string `yaml:"key_prefix" env:"ML_REDIS_KEY_PREFIX"`
}

// DatabaseConfig 数据库连接配置
type DatabaseConfig struct {
	Host            string `yaml:"host" env:"ML_DB_HOST"`
	Port            int    `yaml:"port" env:"ML_DB_PORT"`
	Username        string `yaml:"username" env:"ML_DB_USERNAME"`
	Password        string `yaml:"password" env:"ML_DB_PASSWORD"`
	Database        string `yaml:"database" env:"ML_DB_DATABASE"`
	Charset         string `yaml:"charset"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // seconds
	LogLevel        string `yaml:"log_level"`
}

// PoolConfig sizes the per-category worker pools.
type PoolConfig struct {
	General  int `yaml:"general" env:"ML_POOL_GENERAL"`
	Register int `yaml:"register" env:"ML_POOL_REGISTER"`
	Deploy   int `yaml:"deploy" env:"ML_POOL_DEPLOY"`
	Upload   int `yaml:"upload" env:"ML_POOL_UPLOAD"`
}

// Dispatch policies.
const (
	DispatchRoundRobin = "round_robin"
	DispatchLeastLoad  = "least_load"
)

// DefaultMLConfig returns the default ML settings.
func DefaultMLConfig() MLConfig {
	return MLConfig{
		JVMHeapMemoryThreshold:      85,
		NativeMemoryThreshold:       90,
		DiskFreeSpaceThreshold:      5 * 1024 * 1024 * 1024,
		DiskPath:                    os.TempDir(),
		AutoRedeployEnable:          true,
		AutoRedeployLifetimeRetries: 3,
		OnlyRunOnMLNode:             true,
		AllowCustomDeploymentPlan:   false,
		TaskDispatchPolicy:          DispatchRoundRobin,
		MaxMLTaskPerNode:            10,
		MaxDeployTasksPerNode:       10,
		MaxRegisterTasksPerNode:     10,
		ExcludeNodeNames:            []string{},
		TaskUpdateTimeout:           5 * time.Second,
	}
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":9200",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Node: NodeConfig{
			Roles:  []string{"cluster_manager", "data", "ml"},
			Labels: make(map[string]string),
		},
		Cluster: ClusterConfig{
			HeartbeatInterval: 5 * time.Second,
			HeartbeatTimeout:  15 * time.Second,
			RedeployInterval:  10 * time.Second,
			RPCTimeout:        10 * time.Second,
		},
		ML: DefaultMLConfig(),
		Store: StoreConfig{
			Driver: "memory",
			Redis: RedisConfig{
				Host:      "localhost",
				Port:      6379,
				KeyPrefix: "ml:",
			},
			Database: DatabaseConfig{
				Host:            "localhost",
				Port:            3306,
				Charset:         "utf8mb4",
				MaxIdleConns:    10,
				MaxOpenConns:    100,
				ConnMaxLifetime: 3600,
				LogLevel:        "warn",
			},
		},
		Pool: PoolConfig{
			General:  64,
			Register: 8,
			Deploy:   8,
			Upload:   4,
		},
		Logging: *logger.DefaultConfig(),
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	cmdArgs    map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		cmdArgs: make(map[string]string),
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithCmdArgs sets command-line arguments for configuration override.
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < command-line flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("从文件加载配置失败: %w", err)
		}
	}

	if err := applyEnvToStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("应用环境变量覆盖失败: %w", err)
	}

	for key, value := range l.cmdArgs {
		if err := setConfigValue(cfg, key, value); err != nil {
			return nil, fmt.Errorf("设置配置值 %s 失败: %w", key, err)
		}
	}

	if err := NewValidator().Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}
	return nil
}

// applyEnvToStruct recursively applies environment variables to struct fields.
func applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("从环境变量 %s 设置字段 %s 失败: %w", envTag, fieldType.Name, err)
		}
	}
	return nil
}

// setConfigValue sets a configuration value by its dot-notation yaml path,
// e.g. "cluster.heartbeat_interval".
func setConfigValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("未知的配置路径: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}

		if field.Kind() != reflect.Struct {
			return fmt.Errorf("期望 %s 是结构体，实际是 %s", part, field.Kind())
		}
		v = field
	}
	return nil
}

func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == name || strings.EqualFold(t.Field(i).Name, strings.ReplaceAll(name, "_", "")) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("无法设置字段")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("无效的时间格式: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("无效的整数: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("无效的无符号整数: %w", err)
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("无效的浮点数: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("无效的布尔值: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("不支持的切片类型: %s", field.Type().Elem().Kind())
		}
		parts := make([]string, 0)
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		field.Set(reflect.ValueOf(parts))

	case reflect.Map:
		if field.Type().Key().Kind() != reflect.String || field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("不支持的 map 类型")
		}
		m := make(map[string]string)
		for _, pair := range strings.Split(value, ",") {
			kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
			if len(kv) == 2 {
				m[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
			}
		}
		field.Set(reflect.ValueOf(m))

	default:
		return fmt.Errorf("不支持的字段类型: %s", field.Kind())
	}

	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses a YAML configuration from bytes.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}
