package credentials

import (
	"context"
	"strings"

	"github.com/charmbracelet/huh"
)

// HuhPrompter prompts on the terminal, secret fields are not echoed.
type HuhPrompter struct{}

func (HuhPrompter) Prompt(ctx context.Context, field string, secret bool) (string, error) {
	var value string
	input := huh.NewInput().
		Title(field).
		Value(&value)
	if secret {
		input = input.EchoMode(huh.EchoModePassword)
	}

	err := huh.NewForm(huh.NewGroup(input)).RunWithContext(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(value), nil
}
