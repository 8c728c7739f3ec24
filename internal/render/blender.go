package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	outputTailBytes = 4096
	killWaitDelay   = 5 * time.Second
)

// BlenderTool runs Blender in background mode with a generation script:
//
//	blender --background <template> --python <script> -- --params <json> --output <glb>
type BlenderTool struct {
	executable string
	script     string
	logger     *slog.Logger
}

func NewBlenderTool(executable, script string, logger *slog.Logger) *BlenderTool {
	return &BlenderTool{executable: executable, script: script, logger: logger}
}

func (t *BlenderTool) Name() string { return "blender" }

// Args returns the command line for req, excluding the executable.
func (t *BlenderTool) Args(req Request, paramsPath string) []string {
	return []string{
		"--background", req.TemplatePath,
		"--python", t.script,
		"--",
		"--params", paramsPath,
		"--output", req.OutputPath,
	}
}

func (t *BlenderTool) Run(ctx context.Context, req Request) (*Result, error) {
	params, err := json.Marshal(req.Parameters)
	if err != nil {
		return nil, &ToolError{ExitCode: -1, Permanent: true, Err: fmt.Errorf("encode parameters: %w", err)}
	}
	paramsPath := filepath.Join(filepath.Dir(req.OutputPath), "params.json")
	if err := os.WriteFile(paramsPath, params, 0o600); err != nil {
		return nil, &ToolError{ExitCode: -1, Err: fmt.Errorf("write parameters: %w", err)}
	}

	output := newTailBuffer(outputTailBytes)
	cmd := exec.CommandContext(ctx, t.executable, t.Args(req, paramsPath)...)
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.WaitDelay = killWaitDelay

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	t.logger.Debug("blender exited",
		"job_id", req.JobID,
		"duration_ms", elapsed.Milliseconds(),
		"error", runErr,
	)

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, elapsed.Round(time.Millisecond))
		}
		return nil, fmt.Errorf("blender interrupted: %w", ctxErr)
	}

	if runErr != nil {
		tail := strings.TrimSpace(output.String())
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			code := exitErr.ExitCode()
			return nil, &ToolError{ExitCode: code, Output: tail, Permanent: IsPermanentExit(code)}
		}
		return nil, &ToolError{ExitCode: -1, Output: tail, Err: fmt.Errorf("start blender: %w", runErr)}
	}

	glb, err := os.ReadFile(req.OutputPath)
	if err != nil || len(glb) == 0 {
		return nil, &ToolError{ExitCode: 0, Output: strings.TrimSpace(output.String()), Err: ErrNoOutput}
	}

	return &Result{GLB: glb, Duration: elapsed}, nil
}

var _ Tool = (*BlenderTool)(nil)
