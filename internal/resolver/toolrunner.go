package resolver

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
)

// ExecRunner invokes the configured overlay and chart tools as external
// processes. The tools are collaborators, not dependencies: their output
// is consumed as an opaque rendered manifest stream.
type ExecRunner struct {
	logger *slog.Logger
	// OverlayTool is the overlay processor binary, e.g. "kustomize".
	OverlayTool string
	// ChartTool is the package tool binary, e.g. "helm".
	ChartTool string
}

// NewExecRunner creates a runner shelling out to the given tool binaries.
func NewExecRunner(overlayTool, chartTool string, logger *slog.Logger) *ExecRunner {
	return &ExecRunner{logger: logger, OverlayTool: overlayTool, ChartTool: chartTool}
}

func (r *ExecRunner) Name() string {
	return "exec"
}

// Render runs the external tool for the request and returns its stdout.
func (r *ExecRunner) Render(ctx context.Context, req RenderRequest) ([]byte, error) {
	var cmd *exec.Cmd
	switch req.Kind {
	case "overlay":
		dir := req.Dir
		if req.OverlayDir != "" {
			dir = req.OverlayDir
		}
		cmd = exec.CommandContext(ctx, r.OverlayTool, "build", dir)
	case "chart":
		args := []string{"template", req.Chart}
		for k, v := range req.Values {
			args = append(args, "--set", fmt.Sprintf("%s=%s", k, v))
		}
		cmd = exec.CommandContext(ctx, r.ChartTool, args...)
		cmd.Dir = req.Dir
	default:
		return nil, fmt.Errorf("exec runner cannot render path kind %q", req.Kind)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("invoking render tool", "cmd", cmd.String())

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w (stderr: %s)", cmd.Path, err, stderr.String())
	}
	return stdout.Bytes(), nil
}
