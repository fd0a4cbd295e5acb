package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"stv/longvideo/internal/model"

	"gopkg.in/yaml.v3"
)

type ProviderSpec struct {
	Name string `yaml:"name"`
	// Kind is "http" or "mock".
	Kind           string        `yaml:"kind"`
	Endpoint       string        `yaml:"endpoint"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	Timeout        time.Duration `yaml:"timeout"`
	FailureRate    float64       `yaml:"failure_rate"`
}

type CredentialSpec struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
	// Secret may reference environment variables, e.g. ${VEO_KEY_1}.
	Secret string `yaml:"secret"`
}

type ProvidersFile struct {
	Providers   []ProviderSpec   `yaml:"providers"`
	Credentials []CredentialSpec `yaml:"credentials"`
}

// MockProviderNames are registered when no providers file exists.
var MockProviderNames = []string{"mock-llm", "mock-image", "mock-video", "mock-tts"}

// LoadProviders reads the provider/credential file. A missing file yields the
// built-in mock providers with three credentials each.
func LoadProviders(path string) (*ProvidersFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultProviders(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	var pf ProvidersFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}
	if err := pf.validate(); err != nil {
		return nil, err
	}
	for i := range pf.Credentials {
		pf.Credentials[i].Secret = os.ExpandEnv(pf.Credentials[i].Secret)
	}
	return &pf, nil
}

func DefaultProviders() *ProvidersFile {
	pf := &ProvidersFile{}
	for _, name := range MockProviderNames {
		pf.Providers = append(pf.Providers, ProviderSpec{Name: name, Kind: "mock"})
		for i := 1; i <= 3; i++ {
			pf.Credentials = append(pf.Credentials, CredentialSpec{
				ID:       fmt.Sprintf("%s-key-%d", name, i),
				Provider: name,
				Secret:   fmt.Sprintf("mock-secret-%d", i),
			})
		}
	}
	return pf
}

func (pf *ProvidersFile) validate() error {
	names := map[string]bool{}
	for _, p := range pf.Providers {
		if p.Name == "" {
			return errors.New("providers file: provider without name")
		}
		if names[p.Name] {
			return fmt.Errorf("providers file: duplicate provider %q", p.Name)
		}
		switch p.Kind {
		case "", "http":
			if p.Endpoint == "" {
				return fmt.Errorf("providers file: provider %q needs an endpoint", p.Name)
			}
		case "mock":
		default:
			return fmt.Errorf("providers file: provider %q has unknown kind %q", p.Name, p.Kind)
		}
		names[p.Name] = true
	}
	ids := map[string]bool{}
	for _, c := range pf.Credentials {
		if c.ID == "" || c.Provider == "" {
			return errors.New("providers file: credential needs id and provider")
		}
		if !names[c.Provider] {
			return fmt.Errorf("providers file: credential %q references unknown provider %q", c.ID, c.Provider)
		}
		if ids[c.ID] {
			return fmt.Errorf("providers file: duplicate credential %q", c.ID)
		}
		ids[c.ID] = true
	}
	return nil
}

// ModelCredentials converts the credential specs for the pool.
func (pf *ProvidersFile) ModelCredentials() []model.Credential {
	out := make([]model.Credential, 0, len(pf.Credentials))
	for _, c := range pf.Credentials {
		out = append(out, model.Credential{ID: c.ID, Provider: c.Provider, Secret: c.Secret})
	}
	return out
}

// Concurrency returns per-provider ceilings for the rate limiter.
func (pf *ProvidersFile) Concurrency() map[string]int {
	out := map[string]int{}
	for _, p := range pf.Providers {
		if p.MaxConcurrency > 0 {
			out[p.Name] = p.MaxConcurrency
		}
	}
	return out
}
