// Package adapters builds platform clients from config.
package adapters

import (
	"fmt"
	"strings"

	"flockd/internal/adapters/fake"
	"flockd/internal/config"
	"flockd/internal/platform"
	logx "flockd/pkg/logx"
)

// New resolves the configured platform client driver.
//
// The real messaging transport is a deployment concern; this registry only
// knows the built-in simulator. Embedders wire their own driver by passing
// a custom factory to app.New.
func New(cfg config.PlatformConfig, log logx.Logger) (platform.Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "fake", "sim":
		return fake.New(log), nil
	case "":
		return nil, fmt.Errorf("platform.driver is required (built-in: %q)", "fake")
	default:
		return nil, fmt.Errorf("unknown platform.driver: %s", cfg.Driver)
	}
}
