// Package settings loads the orchestrator's configuration with the same layered
// precedence as the original: built-in defaults, overridden by an optional config
// file, overridden by command-line flags bound through viper.
package settings

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Keys used across both the manager and worker configuration trees, matching the
// enumerated configuration surface: broker.*, state.*, scheduler.*, server.*.
const (
	KeyBrokerAddress       = "broker.address"
	KeyBrokerQueueName     = "broker.queue_name"
	KeyBrokerDialTimeout   = "broker.dial_timeout_seconds"
	KeyStateLocation       = "state.location"
	KeyInputChunkSize      = "scheduler.input_chunk_size"
	KeyInputQueueSize      = "scheduler.input_queue_size"
	KeyMaxConcurrentJobs   = "scheduler.max_concurrent_jobs"
	KeyTaskFailureLimit    = "scheduler.task_failure_threshold"
	KeyServerPort          = "server.port"
	KeyServerThreadPool    = "server.thread_pool_size"
	KeyWorkerPoolSize      = "worker.pool_size"
	KeyLogLevel            = "log.level"
)

// Settings is the fully resolved configuration snapshot handed to every component.
type Settings struct {
	BrokerAddress     string
	BrokerQueueName   string
	BrokerDialTimeout int
	StateLocation     string
	InputChunkSize    int64
	InputQueueSize    int
	MaxConcurrentJobs int
	TaskFailureLimit  int
	ServerPort        int
	ServerThreadPool  int
	WorkerPoolSize    int
	LogLevel          string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyBrokerAddress, "127.0.0.1:7070")
	v.SetDefault(KeyBrokerQueueName, "heracles_tasks")
	v.SetDefault(KeyBrokerDialTimeout, 5)
	v.SetDefault(KeyStateLocation, "/var/lib/heracles")
	v.SetDefault(KeyInputChunkSize, 67108864)
	v.SetDefault(KeyInputQueueSize, 64)
	v.SetDefault(KeyMaxConcurrentJobs, 1)
	v.SetDefault(KeyTaskFailureLimit, 10)
	v.SetDefault(KeyServerPort, 8081)
	v.SetDefault(KeyServerThreadPool, 8)
	v.SetDefault(KeyWorkerPoolSize, 8)
	v.SetDefault(KeyLogLevel, "info")
}

// Load builds a viper instance following defaults -> config file -> flags, the same
// precedence order the reference settings module applies via lazy_static + clap.
// configPath may be empty, in which case only defaults and flags apply. flags may be
// nil, in which case only defaults and the config file apply.
func Load(configPath string, flags *pflag.FlagSet) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("settings: reading config file %q: %w", configPath, err)
		}
	}

	if flags != nil {
		if err := bindAnnotatedFlags(v, flags); err != nil {
			return nil, fmt.Errorf("settings: binding flags: %w", err)
		}
	}

	v.SetEnvPrefix("heracles")
	v.AutomaticEnv()

	s := &Settings{
		BrokerAddress:     v.GetString(KeyBrokerAddress),
		BrokerQueueName:   v.GetString(KeyBrokerQueueName),
		BrokerDialTimeout: v.GetInt(KeyBrokerDialTimeout),
		StateLocation:     v.GetString(KeyStateLocation),
		InputChunkSize:    v.GetInt64(KeyInputChunkSize),
		InputQueueSize:    v.GetInt(KeyInputQueueSize),
		MaxConcurrentJobs: v.GetInt(KeyMaxConcurrentJobs),
		TaskFailureLimit:  v.GetInt(KeyTaskFailureLimit),
		ServerPort:        v.GetInt(KeyServerPort),
		ServerThreadPool:  v.GetInt(KeyServerThreadPool),
		WorkerPoolSize:    v.GetInt(KeyWorkerPoolSize),
		LogLevel:          v.GetString(KeyLogLevel),
	}
	return s, s.validate()
}

// RegisterFlags attaches the subset of keys a given binary cares about to a flag set,
// so cobra commands can expose them as --broker-address style overrides. Flag names
// mirror configuration keys with dashes, per the CLI surface.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("broker-address", "", "address of the durable task broker (host:port)")
	flags.String("state-location", "", "directory holding durable job and task records")
	flags.Int("server-port", 0, "port the manager's HTTP API listens on")
	flags.Int("worker-pool-size", 0, "number of concurrent task handlers a worker runs")
	flags.String("log-level", "", "structured log level (debug, info, warn, error)")

	_ = flags.SetAnnotation("broker-address", "settings-key", []string{KeyBrokerAddress})
	_ = flags.SetAnnotation("state-location", "settings-key", []string{KeyStateLocation})
	_ = flags.SetAnnotation("server-port", "settings-key", []string{KeyServerPort})
	_ = flags.SetAnnotation("worker-pool-size", "settings-key", []string{KeyWorkerPoolSize})
	_ = flags.SetAnnotation("log-level", "settings-key", []string{KeyLogLevel})
}

// bindAnnotatedFlags mirrors the reference settings module's set_options: each flag
// carries the viper key it maps to in a "settings-key" annotation, set by
// RegisterFlags, so a single pass binds every registered override.
func bindAnnotatedFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if bindErr != nil {
			return
		}
		keys := f.Annotations["settings-key"]
		if len(keys) == 0 {
			return
		}
		if err := v.BindPFlag(keys[0], f); err != nil {
			bindErr = err
		}
	})
	return bindErr
}

func (s *Settings) validate() error {
	if s.InputChunkSize <= 0 {
		return fmt.Errorf("settings: scheduler.input_chunk_size must be positive, got %d", s.InputChunkSize)
	}
	if s.InputQueueSize <= 0 {
		return fmt.Errorf("settings: scheduler.input_queue_size must be positive, got %d", s.InputQueueSize)
	}
	if s.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("settings: scheduler.max_concurrent_jobs must be positive, got %d", s.MaxConcurrentJobs)
	}
	if s.TaskFailureLimit <= 0 {
		return fmt.Errorf("settings: scheduler.task_failure_threshold must be positive, got %d", s.TaskFailureLimit)
	}
	if s.BrokerAddress == "" {
		return fmt.Errorf("settings: broker.address must not be empty")
	}
	return nil
}
