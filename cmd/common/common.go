// Package common holds the helpers shared by the stubdbg commands.
package common

import (
	"io"
	"log/slog"
	"os"

	"github.com/Manu343726/stubdbg/pkg/config"
	"github.com/Manu343726/stubdbg/pkg/logging"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

// LoadConfig reads the configuration assembled by the root command
func LoadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}

// NewLogger builds the logger described by the configuration
func NewLogger(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	return logging.New(cfg.LogOptions())
}

// IsInteractive reports whether stdin and stdout are both terminals
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}
