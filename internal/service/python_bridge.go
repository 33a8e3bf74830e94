package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// BridgeCommandEnv names an external command that evaluates CatBoost models
// when the binary is built without the cgo binding, e.g.
// "python -m apply_model_bridge".
const BridgeCommandEnv = "APPLY_MODEL_BRIDGE_CMD"

const (
	bridgeOpInfo    = "info"
	bridgeOpPredict = "predict"
)

type bridgeRequest struct {
	Op           string      `json:"op"`
	ArtifactPath string      `json:"artifact_path"`
	Numeric      [][]float32 `json:"numeric,omitempty"`
	Categorical  [][]string  `json:"categorical,omitempty"`
}

type bridgeResponse struct {
	TreeCount     int       `json:"tree_count"`
	FloatFeatures int       `json:"float_features"`
	CatFeatures   int       `json:"cat_features"`
	Dimensions    int       `json:"dimensions"`
	Scores        []float64 `json:"scores"`
	Error         string    `json:"error,omitempty"`
}

type bridgeRunFn func(
	ctx context.Context,
	command []string,
	request bridgeRequest,
) (bridgeResponse, error)

var runBridge bridgeRunFn = defaultRunBridge

func parseBridgeCommand(raw string) ([]string, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return nil, nil
	}
	parts := strings.Fields(clean)
	if len(parts) == 0 {
		return nil, fmt.Errorf("bridge command is empty")
	}
	return parts, nil
}

// defaultRunBridge runs one bridge invocation. A response whose Error field is
// set is returned as-is; the caller decides which failure kind it is.
func defaultRunBridge(
	ctx context.Context,
	command []string,
	request bridgeRequest,
) (bridgeResponse, error) {
	if len(command) == 0 {
		return bridgeResponse{}, fmt.Errorf("%w: bridge command is not configured", ErrBackendUnavailable)
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return bridgeResponse{}, fmt.Errorf("%w: failed to encode bridge request: %w", ErrBackendProtocol, err)
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if runErr := cmd.Run(); runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return bridgeResponse{}, ctxErr
		}
		errText := strings.TrimSpace(stderr.String())
		var execErr *exec.Error
		var pathErr *os.PathError
		if errors.As(runErr, &execErr) || errors.As(runErr, &pathErr) {
			if errText == "" {
				return bridgeResponse{}, fmt.Errorf("%w: bridge command failed: %w", ErrBackendUnavailable, runErr)
			}
			return bridgeResponse{}, fmt.Errorf(
				"%w: bridge command failed: %w: %s",
				ErrBackendUnavailable,
				runErr,
				errText,
			)
		}
		if errText == "" {
			return bridgeResponse{}, fmt.Errorf("bridge command failed: %w", runErr)
		}
		return bridgeResponse{}, fmt.Errorf("bridge command failed: %w: %s", runErr, errText)
	}
	var decoded bridgeResponse
	if err := json.Unmarshal(stdout.Bytes(), &decoded); err != nil {
		return bridgeResponse{}, fmt.Errorf("%w: failed to decode bridge response: %w", ErrBackendProtocol, err)
	}
	decoded.Error = strings.TrimSpace(decoded.Error)
	return decoded, nil
}

type bridgeBackend struct {
	info          ModelInfo
	bridgeCommand []string

	mu     sync.Mutex
	closed bool
}

func openBridgeBackend(ctx context.Context, path string, command []string) (Backend, error) {
	info, statErr := os.Stat(path)
	if statErr != nil {
		return nil, fmt.Errorf("%w: failed to stat catboost model %q: %w", ErrLoad, path, statErr)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: catboost model path %q is a directory", ErrLoad, path)
	}
	if info.Size() <= 0 {
		return nil, fmt.Errorf("%w: catboost model path %q is empty", ErrLoad, path)
	}

	response, err := runBridge(ctx, command, bridgeRequest{
		Op:           bridgeOpInfo,
		ArtifactPath: path,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	if response.Error != "" {
		return nil, fmt.Errorf("%w: LoadFullModelFromFile error message: %s", ErrLoad, response.Error)
	}
	return &bridgeBackend{
		info: ModelInfo{
			Path:          path,
			TreeCount:     response.TreeCount,
			FloatFeatures: response.FloatFeatures,
			CatFeatures:   response.CatFeatures,
			Dimensions:    response.Dimensions,
		},
		bridgeCommand: command,
	}, nil
}

func (b *bridgeBackend) Name() string {
	return "catboost-bridge"
}

func (b *bridgeBackend) Info() ModelInfo {
	return b.info
}

func (b *bridgeBackend) Calc(ctx context.Context, batch *FeatureBatch) ([]float64, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: bridge backend closed", ErrModelClosed)
	}
	response, err := runBridge(ctx, b.bridgeCommand, bridgeRequest{
		Op:           bridgeOpPredict,
		ArtifactPath: b.info.Path,
		Numeric:      batch.Numeric,
		Categorical:  batch.Categorical,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrediction, err)
	}
	if response.Error != "" {
		return nil, fmt.Errorf("%w: CalcModelPrediction error message: %s", ErrPrediction, response.Error)
	}
	want := batch.Len() * b.info.Dimensions
	if len(response.Scores) != want {
		return nil, fmt.Errorf(
			"%w: %w: bridge returned %d values, expected %d",
			ErrPrediction,
			ErrBackendProtocol,
			len(response.Scores),
			want,
		)
	}
	return response.Scores, nil
}

func (b *bridgeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
