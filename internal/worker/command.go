package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"cortex/internal/bus"
)

// runCommand executes the envelope's command under a shell with the job's
// vars in the environment. The result is combined stdout and stderr.
func (w *Worker) runCommand(ctx context.Context, env bus.JobDispatch) (string, error) {
	command := strings.TrimSpace(env.Command)
	if command == "" {
		return "", errors.New("command job carries no command")
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Env = append(os.Environ(), envPairs(env.Vars)...)

	raw, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(raw))

	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %s", w.cfg.CommandTimeout)
	}
	if err != nil {
		if output != "" {
			return "", fmt.Errorf("command failed: %v: %s", err, output)
		}
		return "", fmt.Errorf("command failed: %w", err)
	}
	return output, nil
}

// envPairs flattens dispatch vars into KEY=value entries. Sorted so repeated
// runs of the same job see the same environment layout.
func envPairs(vars map[string]string) []string {
	if len(vars) == 0 {
		return nil
	}
	pairs := make([]string, 0, len(vars))
	for key, value := range vars {
		pairs = append(pairs, key+"="+value)
	}
	sort.Strings(pairs)
	return pairs
}
