// Package picker asks the user to choose among options through walker's dmenu
// mode.
package picker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"walker-yt/internal/logging"
)

// Option is one menu line. Value is returned when Label is picked.
type Option struct {
	Label string
	Value string
}

// Walker drives the walker launcher in dmenu mode.
type Walker struct {
	binary string
	logger logrus.FieldLogger
}

// NewWalker returns a picker using binary.
func NewWalker(binary string, logger logrus.FieldLogger) *Walker {
	return &Walker{binary: binary, logger: logging.Component(logger, "picker")}
}

// Choose shows options under prompt. ok is false when the user dismissed the
// menu; that is not an error.
func (w *Walker) Choose(ctx context.Context, prompt string, options []Option) (string, bool, error) {
	if len(options) == 0 {
		return "", false, nil
	}

	labels := make([]string, len(options))
	for i, opt := range options {
		labels[i] = sanitize(opt.Label)
	}

	w.logger.Debugf("%s (%d options)", prompt, len(options))
	out, err := w.run(ctx, strings.Join(labels, "\n"), "-d", "-p", prompt)
	if err != nil || out == "" {
		return "", false, err
	}

	for i, label := range labels {
		if label == out {
			return options[i].Value, true, nil
		}
	}
	w.logger.Debugf("selection %q matches no option", out)
	return "", false, nil
}

// Prompt asks for free text. ok is false when nothing was entered.
func (w *Walker) Prompt(ctx context.Context, prompt string) (string, bool, error) {
	out, err := w.run(ctx, "", "--dmenu", "--inputonly", "-p", prompt)
	if err != nil || out == "" {
		return "", false, err
	}
	return out, true, nil
}

// run returns the trimmed selection. A nonzero exit without output is how
// walker reports a dismissed menu.
func (w *Walker) run(ctx context.Context, input string, args ...string) (string, error) {
	// #nosec G204 - the binary comes from configuration.
	cmd := exec.CommandContext(ctx, w.binary, args...)
	cmd.Stdin = strings.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := strings.TrimSpace(stdout.String())
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("picker: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// sanitize keeps a label on a single menu line.
func sanitize(label string) string {
	label = strings.ReplaceAll(label, "\r", " ")
	label = strings.ReplaceAll(label, "\n", " ")
	return strings.TrimSpace(label)
}
