package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Provider kinds selectable in the run configuration.
const (
	ProviderMock   = "mock"
	ProviderRemote = "remote"
)

// RunConfig is the operator-editable run document. It lives as YAML on disk
// and travels as JSON over the API; the two tag sets keep the field names
// identical in both encodings.
type RunConfig struct {
	Provider     ProviderConfig     `yaml:"provider" json:"provider"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" json:"orchestrator"`
	Dedupe       DedupeConfig       `yaml:"dedupe" json:"dedupe"`
	Post         PostConfig         `yaml:"post" json:"post"`
	Rewrite      RewriteConfig      `yaml:"rewrite" json:"rewrite"`
	OutDir       string             `yaml:"out_dir" json:"out_dir"`
	Seed         int64              `yaml:"seed" json:"seed"`
	BudgetLimit  *float64           `yaml:"budget_limit,omitempty" json:"budget_limit,omitempty"`
}

// ProviderConfig selects and parameterizes the image provider.
type ProviderConfig struct {
	Kind          string  `yaml:"kind" json:"kind" validate:"required,oneof=mock remote"`
	Model         string  `yaml:"model" json:"model"`
	APIKeyEnv     string  `yaml:"api_key_env" json:"api_key_env"`
	Width         int     `yaml:"width" json:"width" validate:"min=64,max=4096"`
	Height        int     `yaml:"height" json:"height" validate:"min=64,max=4096"`
	PricePerImage float64 `yaml:"price_per_image" json:"price_per_image" validate:"min=0"`
}

// OrchestratorConfig bounds the scheduler.
type OrchestratorConfig struct {
	TargetImages    int64   `yaml:"target_images" json:"target_images" validate:"min=1"`
	Concurrency     int     `yaml:"concurrency" json:"concurrency" validate:"min=1,max=100"`
	QueueCap        int     `yaml:"queue_cap" json:"queue_cap" validate:"min=0"`
	RatePerMin      int     `yaml:"rate_per_min" json:"rate_per_min" validate:"min=1,max=600"`
	BackoffBaseMS   int64   `yaml:"backoff_base_ms" json:"backoff_base_ms" validate:"min=0"`
	BackoffFactor   float64 `yaml:"backoff_factor" json:"backoff_factor" validate:"min=1.1,max=5.0"`
	BackoffJitterMS int64   `yaml:"backoff_jitter_ms" json:"backoff_jitter_ms" validate:"min=0"`
}

// DedupeConfig controls perceptual near-duplicate rejection.
type DedupeConfig struct {
	Enabled          bool `yaml:"enabled" json:"enabled"`
	HashBits         int  `yaml:"hash_bits" json:"hash_bits"`
	HammingThreshold int  `yaml:"hamming_threshold" json:"hamming_threshold" validate:"min=0"`
}

// PostConfig controls post-processing of accepted images.
type PostConfig struct {
	Thumbnail  bool `yaml:"thumbnail" json:"thumbnail"`
	ThumbMaxPx int  `yaml:"thumb_max_px" json:"thumb_max_px"`
}

// RewriteConfig controls the optional prompt rewriter.
type RewriteConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	Model        string `yaml:"model" json:"model"`
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`
	MaxTokens    int    `yaml:"max_tokens" json:"max_tokens"`
	CacheFile    string `yaml:"cache_file,omitempty" json:"cache_file,omitempty"`
}

// ParseError marks a document that could not be decoded at all, as opposed to
// one that decoded but failed validation. The CLI maps it to its own exit code.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// LoadRunConfig reads and decodes the run configuration document.
func LoadRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run config: %w", err)
	}
	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return &cfg, nil
}

// MarshalYAMLDoc encodes the config back to its on-disk representation.
func (c *RunConfig) MarshalYAMLDoc() ([]byte, error) {
	return yaml.Marshal(c)
}

var validate = validator.New()

// Validate checks the invariants of the run configuration. It returns the
// violations as operator-readable strings plus non-fatal warnings; an empty
// error slice means the document is acceptable.
func (c *RunConfig) Validate() (errs []string, warnings []string) {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Sprintf("%s: failed %q constraint (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	if c.Provider.Kind == ProviderRemote && c.Provider.APIKeyEnv == "" {
		errs = append(errs, "provider.api_key_env: required when provider.kind is remote")
	}
	if c.Dedupe.Enabled {
		if c.Dedupe.HashBits <= 0 || !isSquare(c.Dedupe.HashBits) {
			errs = append(errs, "dedupe.hash_bits: must be a positive perfect square (e.g. 64)")
		}
	}
	if c.Rewrite.Enabled && c.Rewrite.Model == "" {
		errs = append(errs, "rewrite.model: required when rewrite.enabled")
	}

	if c.Provider.Kind == ProviderRemote && c.Provider.PricePerImage == 0 {
		warnings = append(warnings, "provider.price_per_image is 0 for a remote provider; cost accounting will report zero")
	}
	if c.Post.Thumbnail && (c.Post.ThumbMaxPx < 16 || c.Post.ThumbMaxPx > 1024) {
		warnings = append(warnings, "post.thumb_max_px outside the usual 16..1024 range")
	}
	if c.BudgetLimit != nil {
		estimate := float64(c.Orchestrator.TargetImages) * c.Provider.PricePerImage
		if estimate > *c.BudgetLimit {
			warnings = append(warnings, fmt.Sprintf("budget_limit %.2f is below the estimated run cost %.2f", *c.BudgetLimit, estimate))
		}
	}
	return errs, warnings
}

func isSquare(n int) bool {
	for i := 1; i*i <= n; i++ {
		if i*i == n {
			return true
		}
	}
	return false
}
