// Package command builds and resolves the agent's command line.
package command

import (
	"os/exec"
	"strings"

	"github.com/google/shlex"

	"pi-executor/internal/domain"
	"pi-executor/internal/infra/config"
)

// Builder accumulates a base command and its parameters. The base is a
// shell-like string ("npx -y pkg@1.0") that is word-split at build time.
type Builder struct {
	base   string
	params []string
}

// NewBuilder starts a builder for base.
func NewBuilder(base string) *Builder {
	return &Builder{base: base}
}

// Params replaces the parameter list.
func (b *Builder) Params(params ...string) *Builder {
	b.params = append([]string(nil), params...)
	return b
}

// ExtendParams appends to the parameter list.
func (b *Builder) ExtendParams(params ...string) *Builder {
	b.params = append(b.params, params...)
	return b
}

// ApplyOverrides swaps the base command when an override is set and appends
// any additional parameters.
func (b *Builder) ApplyOverrides(o config.CommandOverrides) *Builder {
	if strings.TrimSpace(o.BaseCommandOverride) != "" {
		b.base = o.BaseCommandOverride
	}
	return b.ExtendParams(o.AdditionalParams...)
}

// BuildInitial produces the command for a fresh run.
func (b *Builder) BuildInitial() (Parts, error) {
	return b.build(nil)
}

// BuildFollowUp produces the initial command extended with extra arguments.
func (b *Builder) BuildFollowUp(extra ...string) (Parts, error) {
	return b.build(extra)
}

func (b *Builder) build(extra []string) (Parts, error) {
	words, err := shlex.Split(b.base)
	if err != nil {
		return Parts{}, domain.WrapCause("command.Build", domain.ErrCommandResolution, err, b.base)
	}
	if len(words) == 0 {
		return Parts{}, domain.NewDomainError("command.Build", domain.ErrCommandResolution, "empty base command")
	}

	args := make([]string, 0, len(words)-1+len(b.params)+len(extra))
	args = append(args, words[1:]...)
	args = append(args, b.params...)
	args = append(args, extra...)
	return Parts{Program: words[0], Args: args}, nil
}

// Parts is a built but not yet resolved command.
type Parts struct {
	Program string
	Args    []string
}

// Resolve locates the program on PATH (or verifies an explicit path).
func (p Parts) Resolve() (string, []string, error) {
	path, err := exec.LookPath(p.Program)
	if err != nil {
		return "", nil, domain.WrapCause("command.Resolve", domain.ErrCommandResolution, err, p.Program)
	}
	return path, p.Args, nil
}

// String renders the command for logs.
func (p Parts) String() string {
	return strings.Join(append([]string{p.Program}, p.Args...), " ")
}

// AppendPrompt is text added verbatim to the end of every prompt.
type AppendPrompt string

// Combine returns prompt with the configured suffix.
func (a AppendPrompt) Combine(prompt string) string {
	return prompt + string(a)
}
