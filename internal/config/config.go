package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/sessionr/internal/logger"
	"github.com/loykin/sessionr/internal/supervisor"
)

// EnvPrefix is the prefix of environment overrides, e.g. SESSIONR_PORT or
// SESSIONR_MONITOR_ENABLED.
const EnvPrefix = "SESSIONR"

// Config represents the whole TOML file.
type Config struct {
	// BaseDir anchors relative paths and is the default child working
	// directory. It defaults to the config file's directory, or the
	// current directory when no file is used.
	BaseDir       string        `mapstructure:"base_dir"`
	LedgerPath    string        `mapstructure:"ledger_path"`
	Port          int           `mapstructure:"port"`
	PortLookup    string        `mapstructure:"port_lookup"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`
	SettleDelay   time.Duration `mapstructure:"settle_delay"`
	Env           []string      `mapstructure:"env"`
	EnvFiles      []string      `mapstructure:"env_files"`

	Log       logger.Config   `mapstructure:"log"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Status    StatusConfig    `mapstructure:"status"`
	History   HistoryConfig   `mapstructure:"history"`
}

// DashboardConfig is the primary child. With Args set, Command is the
// executable path as-is; otherwise it is a command line.
type DashboardConfig struct {
	Command    string        `mapstructure:"command"`
	Args       []string      `mapstructure:"args"`
	WorkDir    string        `mapstructure:"workdir"`
	ReadyDelay time.Duration `mapstructure:"ready_delay"`
}

// MonitorConfig is the secondary alert monitor. Disabling it gives the
// dashboard-only launcher. With Args set, Command is the executable path
// as-is and is never split, so it may contain spaces.
type MonitorConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Command  string   `mapstructure:"command"`
	Args     []string `mapstructure:"args"`
	WorkDir  string   `mapstructure:"workdir"`
	Interval int      `mapstructure:"interval"`
	DB       string   `mapstructure:"db"`
}

type BrowserConfig struct {
	Open bool   `mapstructure:"open"`
	URL  string `mapstructure:"url"`
}

// StatusConfig enables the loopback status API when Listen is set.
type StatusConfig struct {
	Listen         string        `mapstructure:"listen"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

// HistoryConfig enables the session journal when DSN is set.
type HistoryConfig struct {
	DSN     string        `mapstructure:"dsn"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base_dir", "")
	v.SetDefault("ledger_path", "logs/session.pids")
	v.SetDefault("port", 8050)
	v.SetDefault("port_lookup", "auto")
	v.SetDefault("stop_timeout", supervisor.DefaultStopTimeout)
	v.SetDefault("lookup_timeout", 5*time.Second)
	v.SetDefault("settle_delay", time.Second)
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})

	v.SetDefault("log.path", "logs/session.log")
	v.SetDefault("log.max_size_mb", 0)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)

	v.SetDefault("dashboard.command", "python dashboard.py")
	v.SetDefault("dashboard.workdir", "")
	v.SetDefault("dashboard.ready_delay", 3*time.Second)

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.command", "python -m nenner_engine")
	v.SetDefault("monitor.workdir", "")
	v.SetDefault("monitor.interval", 60)
	v.SetDefault("monitor.db", "nenner_signals.db")

	v.SetDefault("browser.open", true)
	v.SetDefault("browser.url", "")

	v.SetDefault("status.listen", "")
	v.SetDefault("status.sample_interval", 10*time.Second)

	v.SetDefault("history.dsn", "")
	v.SetDefault("history.timeout", 3*time.Second)
}

// Load reads the TOML file at path, or only defaults and environment
// overrides when path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if c.BaseDir == "" {
		if path != "" {
			c.BaseDir = filepath.Dir(path)
		} else {
			wd, err := os.Getwd()
			if err != nil {
				return nil, err
			}
			c.BaseDir = wd
		}
	}
	abs, err := filepath.Abs(c.BaseDir)
	if err != nil {
		return nil, err
	}
	c.BaseDir = abs
	c.LedgerPath = c.resolve(c.LedgerPath)
	c.Log.Path = c.resolve(c.Log.Path)
	return &c, nil
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}

// DashboardURL is the address the browser is pointed at.
func (c *Config) DashboardURL() string {
	if c.Browser.URL != "" {
		return c.Browser.URL
	}
	return fmt.Sprintf("http://127.0.0.1:%d", c.Port)
}

// Supervisor builds the supervisor configuration: the dashboard as primary
// and, when enabled, the monitor as secondary.
func (c *Config) Supervisor() (supervisor.Config, error) {
	if strings.TrimSpace(c.Dashboard.Command) == "" {
		return supervisor.Config{}, errors.New("dashboard.command is required")
	}
	env, err := c.ChildEnv()
	if err != nil {
		return supervisor.Config{}, err
	}
	children := []supervisor.ChildSpec{{
		Name:       "dashboard",
		Command:    c.Dashboard.Command,
		Args:       slices.Clone(c.Dashboard.Args),
		WorkDir:    c.workDir(c.Dashboard.WorkDir),
		Env:        env,
		Role:       supervisor.RolePrimary,
		ReadyDelay: c.Dashboard.ReadyDelay,
	}}
	if c.Monitor.Enabled {
		m, err := c.monitorSpec(env)
		if err != nil {
			return supervisor.Config{}, err
		}
		children = append(children, m)
	}
	return supervisor.Config{
		LedgerPath:    c.LedgerPath,
		Log:           c.Log,
		ManagedPort:   c.Port,
		Children:      children,
		StopTimeout:   c.StopTimeout,
		LookupTimeout: c.LookupTimeout,
		SettleDelay:   c.SettleDelay,
	}, nil
}

// monitorSpec renders "<command> --monitor --interval <n> --db <path>".
func (c *Config) monitorSpec(env []string) (supervisor.ChildSpec, error) {
	name, args := strings.TrimSpace(c.Monitor.Command), slices.Clone(c.Monitor.Args)
	if name == "" {
		return supervisor.ChildSpec{}, errors.New("monitor.command is required when monitor.enabled")
	}
	if len(args) == 0 {
		parts := strings.Fields(name)
		name, args = parts[0], parts[1:]
	}
	if c.Monitor.Interval <= 0 {
		return supervisor.ChildSpec{}, fmt.Errorf("monitor.interval must be positive, got %d", c.Monitor.Interval)
	}
	args = append(args, "--monitor", "--interval", strconv.Itoa(c.Monitor.Interval))
	if c.Monitor.DB != "" {
		args = append(args, "--db", c.Monitor.DB)
	}
	return supervisor.ChildSpec{
		Name:    "monitor",
		Command: name,
		Args:    args,
		WorkDir: c.workDir(c.Monitor.WorkDir),
		Env:     env,
		Role:    supervisor.RoleSecondary,
	}, nil
}

func (c *Config) workDir(p string) string {
	if p == "" {
		return c.BaseDir
	}
	return c.resolve(p)
}

// ChildEnv merges env_files in order, then the env list, into KEY=VALUE
// pairs added on top of the supervisor's own environment.
func (c *Config) ChildEnv() ([]string, error) {
	m := make(map[string]string)
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(c.resolve(p))
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
