package credentials

import (
	"context"
	"errors"
	"fmt"
	"lmsfetch/internal/components/assert"
	"lmsfetch/internal/components/telemetry"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

const (
	EnvUsername = "UNIVERSITY_USERNAME"
	EnvEmail    = "UNIVERSITY_EMAIL"
	EnvPassword = "UNIVERSITY_PASSWORD"
)

const report_resolver_prompt = "resolver.prompt"

var ErrMissingCredentials = errors.New("missing credentials: set UNIVERSITY_USERNAME and UNIVERSITY_PASSWORD, add them to the config, or run interactively")

const redacted = "[REDACTED]"

type Credentials struct {
	Username string
	Password string
}

func (c Credentials) Valid() bool {
	return c.Username != "" && c.Password != ""
}

func (c Credentials) String() string {
	return fmt.Sprintf("%s:%s", c.Username, redacted)
}

func (c Credentials) GoString() string {
	return c.String()
}

// LogValue keeps the password out of any slog output.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("password", redacted),
	)
}

func (c Credentials) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`{"username":%q,"password":%q}`, c.Username, redacted)), nil
}

// Prompter asks the operator for a missing credential field.
type Prompter interface {
	Prompt(ctx context.Context, field string, secret bool) (string, error)
}

// Resolver resolves credentials from the environment, then the config, then the prompter.
// A nil prompter disables interactive resolution.
type Resolver struct {
	config   Credentials
	prompter Prompter
	getenv   func(string) string
	tel      telemetry.API
}

func NewResolver(config Credentials, prompter Prompter, tel telemetry.API) *Resolver {
	assert.NotNil(tel)
	return &Resolver{
		config:   config,
		prompter: prompter,
		getenv:   os.Getenv,
		tel:      telemetry.NewScopedAPI("credentials", tel),
	}
}

// LoadDotenv loads `.env` style files into the process environment without overriding
// variables that are already set, missing files are ignored.
func LoadDotenv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		err := godotenv.Load(p)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func (r *Resolver) resolveField(ctx context.Context, field string, envKeys []string, fallback string, secret bool) (string, string, error) {
	for _, key := range envKeys {
		if value := r.getenv(key); value != "" {
			return value, "env:" + key, nil
		}
	}
	if fallback != "" {
		return fallback, "config", nil
	}
	if r.prompter == nil {
		return "", "", nil
	}
	value, err := r.prompter.Prompt(ctx, field, secret)
	if err != nil {
		r.tel.ReportWarning(report_resolver_prompt, fmt.Errorf("prompt %s: %w", field, err))
		return "", "", err
	}
	return value, "prompt", nil
}

// Resolve never touches the network, it fails with ErrMissingCredentials if either field
// is still empty once every source has been consulted.
func (r *Resolver) Resolve(ctx context.Context) (Credentials, error) {
	username, usernameSource, err := r.resolveField(ctx, "Username", []string{EnvUsername, EnvEmail}, r.config.Username, false)
	if err != nil {
		return Credentials{}, errors.Join(ErrMissingCredentials, err)
	}
	password, passwordSource, err := r.resolveField(ctx, "Password", []string{EnvPassword}, r.config.Password, true)
	if err != nil {
		return Credentials{}, errors.Join(ErrMissingCredentials, err)
	}

	creds := Credentials{Username: username, Password: password}
	if !creds.Valid() {
		return Credentials{}, ErrMissingCredentials
	}

	r.tel.ReportDebug(
		"resolved credentials",
		creds,
		"username from "+usernameSource,
		"password from "+passwordSource,
	)
	return creds, nil
}
