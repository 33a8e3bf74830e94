//go:build !catboost || !cgo

package service

import (
	"context"
	"fmt"
	"os"
)

// OpenCatBoost loads path through the subprocess bridge. Linking
// libcatboostmodel directly needs -tags catboost with cgo enabled.
func OpenCatBoost(ctx context.Context, path string) (Backend, error) {
	bridgeCommand, err := parseBridgeCommand(os.Getenv(BridgeCommandEnv))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s: %w", ErrLoad, BridgeCommandEnv, err)
	}
	if len(bridgeCommand) == 0 {
		return nil, fmt.Errorf(
			"%w: %w: build with -tags catboost and enable CGO, or configure %s",
			ErrLoad,
			ErrBackendUnavailable,
			BridgeCommandEnv,
		)
	}
	return openBridgeBackend(ctx, path, bridgeCommand)
}
