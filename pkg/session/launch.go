package session

import (
	"context"
	"log/slog"

	"github.com/Manu343726/stubdbg/pkg/config"
	"github.com/Manu343726/stubdbg/pkg/connector"
	"github.com/Manu343726/stubdbg/pkg/launcher"
)

// LaunchTarget starts the target described by the configuration. VMware
// targets get a freshly generated VM configuration first.
func LaunchTarget(cfg *config.Config) (Process, error) {
	var spec launcher.Spec

	switch cfg.BuildTarget {
	case config.TargetVMware:
		if err := launcher.WriteDebugVMX(cfg.VMware.Template, cfg.VMware.VMX, cfg.Image, cfg.GDB.Enabled); err != nil {
			return nil, err
		}

		var err error
		spec, err = launcher.VMwareSpec(cfg.VMware.Flavor, cfg.VMware.Path, cfg.VMware.VMX)
		if err != nil {
			return nil, err
		}
	default:
		spec = launcher.Spec{
			Path: cfg.Target.Command,
			Args: cfg.Target.Args,
			Dir:  cfg.Target.Dir,
		}
	}

	p, err := launcher.Start(spec)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListenTarget waits for the target stub on the configured transport
func ListenTarget(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*connector.Connector, error) {
	return connector.Listen(ctx, cfg.Transport.Network, cfg.Transport.Address, connector.WithLogger(logger))
}
