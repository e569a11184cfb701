package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
image: build/kernel.img
build_target: process
target:
  command: qemu-system-i386
  args: ["-kernel", "build/kernel.img"]
transport:
  address: 127.0.0.1:9000
aux:
  enabled: true
log:
  level: debug
`

func loadYAML(t *testing.T, content string) *Config {
	t.Helper()

	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(content)))

	cfg, err := Load(v)
	require.NoError(t, err)
	return cfg
}

func TestLoad_DefaultsAndDerivedPaths(t *testing.T) {
	cfg := loadYAML(t, sampleConfig)

	assert.Equal(t, "build/kernel.sdb", cfg.Symbols)
	assert.Equal(t, "build/kernel.asm", cfg.Listing)
	assert.Equal(t, TargetProcess, cfg.BuildTarget)
	assert.Equal(t, []string{"-kernel", "build/kernel.img"}, cfg.Target.Args)
	assert.Equal(t, "tcp", cfg.Transport.Network)
	assert.Equal(t, "127.0.0.1:9000", cfg.Transport.Address)
	assert.Equal(t, AfterBreakOnAnyStop, cfg.AfterBreak)
	assert.NoError(t, cfg.Validate())

	tw := cfg.ToolWindow()
	assert.True(t, tw.Enabled)
	assert.Equal(t, "unix", tw.Network)
	assert.NotEmpty(t, tw.Down)

	assert.Equal(t, "debug", cfg.LogOptions().Level)
}

func TestLoad_ExplicitPathsWin(t *testing.T) {
	cfg := loadYAML(t, sampleConfig+"symbols: other.sdb\nlisting: other.asm\n")

	assert.Equal(t, "other.sdb", cfg.Symbols)
	assert.Equal(t, "other.asm", cfg.Listing)
}

func TestLoad_VMwareDerivesVMX(t *testing.T) {
	cfg := loadYAML(t, `
image: os.iso
build_target: vmware
vmware:
  flavor: workstation
  path: /usr/bin/vmrun
  template: vm/base.vmx
`)

	assert.Equal(t, "vm/base-debug.vmx", cfg.VMware.VMX)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return loadYAML(t, sampleConfig)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no symbols", func(c *Config) { c.Symbols = "" }},
		{"unknown build target", func(c *Config) { c.BuildTarget = "bochs" }},
		{"missing command", func(c *Config) { c.Target.Command = "" }},
		{"unknown flavor", func(c *Config) {
			c.BuildTarget = TargetVMware
			c.VMware.Flavor = "fusion"
			c.VMware.Path = "vmrun"
			c.VMware.Template = "a.vmx"
		}},
		{"vmware without template", func(c *Config) { c.BuildTarget = TargetVMware }},
		{"unknown after break policy", func(c *Config) { c.AfterBreak = "sometimes" }},
		{"no transport", func(c *Config) { c.Transport.Address = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
