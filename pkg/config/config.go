// Package config holds the debugger settings read from the config file,
// environment variables and command line flags.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/Manu343726/stubdbg/pkg/launcher"
	"github.com/Manu343726/stubdbg/pkg/logging"
	"github.com/Manu343726/stubdbg/pkg/toolwindow"
	"github.com/Manu343726/stubdbg/pkg/utils"
	"github.com/spf13/viper"
)

var (
	// ErrInvalidConfig is returned by Validate
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Build targets
const (
	TargetProcess = "process"
	TargetVMware  = "vmware"
)

// After break policies
const (
	AfterBreakOnMatch   = "on_match"
	AfterBreakOnAnyStop = "on_any_stop"
)

type VMware struct {
	Flavor   string `mapstructure:"flavor"`
	Path     string `mapstructure:"path"`
	Template string `mapstructure:"template"`
	// VMX is where the per session VM configuration is written. Defaults to
	// the template path with a "debug" suffix.
	VMX string `mapstructure:"vmx"`
}

type Target struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Dir     string   `mapstructure:"dir"`
}

type Transport struct {
	Network string `mapstructure:"network"`
	Address string `mapstructure:"address"`
}

type Aux struct {
	Enabled bool   `mapstructure:"enabled"`
	Network string `mapstructure:"network"`
	Down    string `mapstructure:"down"`
	Up      string `mapstructure:"up"`
}

type GDB struct {
	Enabled     bool     `mapstructure:"enabled"`
	Client      string   `mapstructure:"client"`
	ClientArgs  []string `mapstructure:"client_args"`
	StartClient bool     `mapstructure:"start_client"`
}

type Log struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Config is the full debugger configuration
type Config struct {
	Image       string    `mapstructure:"image"`
	Project     string    `mapstructure:"project"`
	BuildTarget string    `mapstructure:"build_target"`
	VMware      VMware    `mapstructure:"vmware"`
	Target      Target    `mapstructure:"target"`
	Symbols     string    `mapstructure:"symbols"`
	Listing     string    `mapstructure:"listing"`
	Transport   Transport `mapstructure:"transport"`
	Aux         Aux       `mapstructure:"aux"`
	GDB         GDB       `mapstructure:"gdb"`
	Log         Log       `mapstructure:"log"`
	AfterBreak  string    `mapstructure:"after_break"`
}

// SetDefaults registers the default value of every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("build_target", TargetProcess)
	v.SetDefault("vmware.flavor", launcher.FlavorPlayer)
	v.SetDefault("transport.network", "tcp")
	v.SetDefault("transport.address", "127.0.0.1:8832")
	v.SetDefault("aux.enabled", false)
	v.SetDefault("aux.network", "unix")
	v.SetDefault("aux.down", filepath.Join(os.TempDir(), "stubdbg-window-down.sock"))
	v.SetDefault("aux.up", filepath.Join(os.TempDir(), "stubdbg-window-up.sock"))
	v.SetDefault("gdb.enabled", false)
	v.SetDefault("gdb.start_client", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("after_break", AfterBreakOnAnyStop)
}

// Load reads the configuration out of v, applying defaults and derived paths
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, utils.MakeError(ErrInvalidConfig, "%v", err)
	}

	cfg.Derive()
	return &cfg, nil
}

// Derive fills the paths that default to siblings of the image
func (c *Config) Derive() {
	if c.Image == "" {
		return
	}
	if c.Symbols == "" {
		c.Symbols = replaceExt(c.Image, ".sdb")
	}
	if c.Listing == "" {
		c.Listing = replaceExt(c.Image, ".asm")
	}
	if c.VMware.VMX == "" && c.VMware.Template != "" {
		c.VMware.VMX = replaceExt(c.VMware.Template, "") + "-debug.vmx"
	}
}

// Validate checks the settings a debug session cannot start without
func (c *Config) Validate() error {
	if c.Symbols == "" {
		return utils.MakeError(ErrInvalidConfig, "no image or symbol database configured")
	}

	switch c.BuildTarget {
	case TargetProcess:
		if c.Target.Command == "" {
			return utils.MakeError(ErrInvalidConfig, "build target %q requires target.command", c.BuildTarget)
		}
	case TargetVMware:
		switch c.VMware.Flavor {
		case launcher.FlavorPlayer, launcher.FlavorWorkstation:
		default:
			return utils.MakeError(ErrInvalidConfig, "VMware flavor %q not implemented", c.VMware.Flavor)
		}
		if c.VMware.Path == "" || c.VMware.Template == "" {
			return utils.MakeError(ErrInvalidConfig, "build target %q requires vmware.path and vmware.template", c.BuildTarget)
		}
	default:
		return utils.MakeError(ErrInvalidConfig, "unknown build target %q", c.BuildTarget)
	}

	switch c.AfterBreak {
	case AfterBreakOnMatch, AfterBreakOnAnyStop:
	default:
		return utils.MakeError(ErrInvalidConfig, "unknown after break policy %q", c.AfterBreak)
	}

	if c.Transport.Network == "" || c.Transport.Address == "" {
		return utils.MakeError(ErrInvalidConfig, "transport network and address are required")
	}

	return nil
}

// LogOptions returns the logger settings
func (c *Config) LogOptions() logging.Options {
	return logging.Options{Level: c.Log.Level, File: c.Log.File}
}

// ToolWindow returns the tool window link settings
func (c *Config) ToolWindow() toolwindow.Config {
	return toolwindow.Config{
		Enabled: c.Aux.Enabled,
		Network: c.Aux.Network,
		Down:    c.Aux.Down,
		Up:      c.Aux.Up,
	}
}

func replaceExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}
