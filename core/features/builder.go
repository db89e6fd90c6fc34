package features

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
)

// CommandBuilder invokes the external feature-pipeline command to build
// missing inputs for a symbol/date. The command template receives the
// symbol, date and featureset as trailing arguments, e.g.
// "python -m pipeline.build_features".
type CommandBuilder struct {
	Command string
}

// Build runs the pipeline synchronously and waits for it to finish.
func (b *CommandBuilder) Build(ctx context.Context, symbol, date, featureset string) error {
	if b.Command == "" {
		return fmt.Errorf("no feature build command configured")
	}

	parts := strings.Fields(b.Command)
	args := append(parts[1:], "--symbol", symbol, "--date", date, "--featureset", featureset)
	cmd := exec.CommandContext(ctx, parts[0], args...)

	log.Printf("Building features for %s %s via %q", symbol, date, b.Command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("feature pipeline failed: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}
