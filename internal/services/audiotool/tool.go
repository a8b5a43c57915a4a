package audiotool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"stemflow/internal/logging"
	"stemflow/internal/services"
	"stemflow/internal/stage"
)

// Option configures a Tool.
type Option func(*Tool)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(t *Tool) {
		if exec != nil {
			t.exec = exec
		}
	}
}

// WithLogger sets the logger used for progress and diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tool) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Tool runs one configured command for one phase.
type Tool struct {
	phase  stage.Phase
	argv   []string
	exec   Executor
	logger *slog.Logger
}

// New constructs a Tool from an argv template.
func New(phase stage.Phase, argv []string, opts ...Option) (*Tool, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, services.Wrap(services.ErrConfiguration, phase.String(), "configure command",
			fmt.Sprintf("collaborators.%s_command is empty", phase.Dir()), nil)
	}
	t := &Tool{
		phase:  phase,
		argv:   append([]string(nil), argv...),
		exec:   commandExecutor{},
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logging.NewComponentLogger(t.logger, "audiotool").With(logging.String(logging.FieldPhase, phase.String()))
	return t, nil
}

// Binary returns the executable name.
func (t *Tool) Binary() string { return t.argv[0] }

// HealthCheck verifies the executable is on PATH.
func (t *Tool) HealthCheck(context.Context) stage.Health {
	name := t.phase.Dir()
	if _, err := exec.LookPath(t.argv[0]); err != nil {
		return stage.Unhealthy(name, fmt.Sprintf("%s not found: %v", t.argv[0], err))
	}
	return stage.Healthy(name)
}

// Run expands the template with vars, executes it and decodes stdout into out.
func (t *Tool) Run(ctx context.Context, jobID string, vars map[string]string, out any) error {
	args := expand(t.argv[1:], vars)
	logger := t.logger.With(logging.String(logging.FieldJobID, jobID))
	logger.Debug("running collaborator command",
		logging.String("binary", t.argv[0]),
		logging.String("args", strings.Join(args, " ")),
	)

	sampler := logging.NewProgressSampler(10)
	tail := &tailBuffer{limit: 5}
	stdout, err := t.exec.Run(ctx, t.argv[0], args, func(line string) {
		if percent, step, ok := parseProgress(line); ok {
			if sampler.ShouldLog(percent, step) {
				logger.Info("collaborator progress",
					logging.Float64("percent", percent),
					logging.String("step", step),
				)
			}
			return
		}
		tail.add(line)
	})
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return services.Wrap(services.ErrTimeout, t.phase.String(), "run command",
				t.argv[0]+" exceeded the phase timeout", ctxErr)
		}
		message := t.argv[0] + " failed"
		if detail := tail.String(); detail != "" {
			message += ": " + detail
		}
		return services.Wrap(services.ErrExternalTool, t.phase.String(), "run command", message, err)
	}

	trimmed := strings.TrimSpace(string(stdout))
	if trimmed == "" {
		return services.Wrap(services.ErrValidation, t.phase.String(), "decode output",
			t.argv[0]+" printed no JSON document", nil)
	}
	if err := json.Unmarshal([]byte(trimmed), out); err != nil {
		return services.Wrap(services.ErrValidation, t.phase.String(), "decode output",
			t.argv[0]+" printed invalid JSON", err)
	}
	return nil
}

func expand(args []string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for key, value := range vars {
		pairs = append(pairs, "{"+key+"}", value)
	}
	replacer := strings.NewReplacer(pairs...)
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = replacer.Replace(arg)
	}
	return out
}

// parseProgress reads "PROGRESS <percent> <step...>" lines.
func parseProgress(line string) (float64, string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "PROGRESS") {
		return 0, "", false
	}
	percent, err := strconv.ParseFloat(strings.TrimSuffix(fields[1], "%"), 64)
	if err != nil {
		return 0, "", false
	}
	return percent, strings.Join(fields[2:], " "), true
}
