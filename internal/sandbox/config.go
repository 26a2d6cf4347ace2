package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/hochfrequenz/crab-verify/internal/config"
)

// FromConfig returns the opener of the configured driver
func FromConfig(cfg config.SandboxConfig, logger *zap.Logger) (Opener, error) {
	switch cfg.Driver {
	case "local":
		return LocalOpener{}, nil
	case "docker", "":
		return NewDockerOpener(cfg.DockerEndpoint, cfg.MountTarget, logger)
	}
	return nil, fmt.Errorf("unknown sandbox driver %q", cfg.Driver)
}
