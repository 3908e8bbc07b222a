package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and prompting on out.
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// GenerateSecret returns a random admin secret.
func GenerateSecret() (string, error) {
	return gonanoid.New(32)
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Fprintln(w.out, "=== wafleet configuration ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	validator := NewValidator()

	// Admin secret
	for {
		secret, err := w.ask("Admin secret (press Enter to generate): ")
		if err != nil {
			return nil, err
		}
		if secret == "" {
			secret, err = GenerateSecret()
			if err != nil {
				return nil, fmt.Errorf("failed to generate admin secret: %w", err)
			}
			fmt.Fprintf(w.out, "Generated admin secret: %s\n", secret)
		}
		if err := validator.ValidateAdminSecret(secret); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Gateway.AdminSecret = secret
		break
	}

	// Port
	for {
		answer, err := w.ask(fmt.Sprintf("Gateway port [%d]: ", cfg.Gateway.Port))
		if err != nil {
			return nil, err
		}
		if answer == "" {
			break
		}
		port, convErr := strconv.Atoi(answer)
		if convErr == nil {
			convErr = validator.ValidatePort(port)
		}
		if convErr != nil {
			fmt.Fprintf(w.out, "Error: %v\n", convErr)
			continue
		}
		cfg.Gateway.Port = port
		break
	}

	fmt.Fprintln(w.out)

	// Assistant
	enable, err := w.ask("Enable AI auto-reply? (y/n) [n]: ")
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(enable, "y") {
		cfg.Assistant.Enabled = true

		provider, err := w.ask(fmt.Sprintf("Provider (openai/anthropic) [%s]: ", cfg.Assistant.Provider))
		if err != nil {
			return nil, err
		}
		if provider != "" {
			if err := validator.ValidateProvider(provider); err != nil {
				fmt.Fprintf(w.out, "Warning: %v, using default (%s)\n", err, cfg.Assistant.Provider)
			} else {
				cfg.Assistant.Provider = provider
			}
		}
		if cfg.Assistant.Provider == "anthropic" && cfg.Assistant.Model == DefaultConfig().Assistant.Model {
			cfg.Assistant.Model = "claude-3-5-haiku-latest"
		}

		for {
			key, err := w.ask("API key: ")
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateAPIKey(key, cfg.Assistant.Provider); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			cfg.Assistant.APIKey = key
			break
		}
	}

	fmt.Fprintln(w.out)

	// Song APIs
	search, err := w.ask("Song search API URL (press Enter to skip): ")
	if err != nil {
		return nil, err
	}
	if search != "" {
		if err := validator.ValidateURL(search); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, song downloads stay disabled\n", err)
		} else {
			download, err := w.ask("Song download API URL: ")
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateURL(download); err != nil {
				fmt.Fprintf(w.out, "Warning: %v, song downloads stay disabled\n", err)
			} else {
				cfg.Media.SearchAPIURL = search
				cfg.Media.SongAPIURL = download
			}
		}
	}

	// Log Level
	level, err := w.ask("Log level (debug/info/warn/error) [info]: ")
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

func (w *Wizard) ask(prompt string) (string, error) {
	fmt.Fprint(w.out, prompt)
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
