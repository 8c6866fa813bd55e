package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/klint-ai/klint-gpt/internal/llm"
)

// SlotSpec names the environment variables holding one deployment's
// credentials.
type SlotSpec struct {
	APIKeyEnv   string `yaml:"api_key_env" toml:"api_key_env"`
	EndpointEnv string `yaml:"endpoint_env" toml:"endpoint_env"`
}

// FamilySpec is the file form of a model family.
type FamilySpec struct {
	ID                  string     `yaml:"id" toml:"id"`
	Provider            string     `yaml:"provider" toml:"provider"`
	Model               string     `yaml:"model" toml:"model"`
	MaxTokens           int        `yaml:"max_tokens" toml:"max_tokens"`
	RPM                 int        `yaml:"rpm" toml:"rpm"`
	TPM                 int        `yaml:"tpm" toml:"tpm"`
	TokenField          string     `yaml:"token_field" toml:"token_field"`
	MergeSystemIntoUser bool       `yaml:"merge_system_into_user" toml:"merge_system_into_user"`
	Vision              bool       `yaml:"vision" toml:"vision"`
	VisionBridge        bool       `yaml:"vision_bridge" toml:"vision_bridge"`
	Slots               []SlotSpec `yaml:"slots" toml:"slots"`
}

// FamiliesConfig is the model family registry as read from a file.
type FamiliesConfig struct {
	Vision   string       `yaml:"vision" toml:"vision"`
	Default  string       `yaml:"default" toml:"default"`
	Summary  string       `yaml:"summary" toml:"summary"`
	Document string       `yaml:"document" toml:"document"`
	Families []FamilySpec `yaml:"families" toml:"families"`
}

// azureSlots returns the three regional deployments sharing one key.
func azureSlots(suffix string) []SlotSpec {
	key := "AZ_OPENAI_API_" + suffix
	base := "AZ_OPENAI_ENDPOINT_" + suffix
	return []SlotSpec{
		{APIKeyEnv: key, EndpointEnv: base},
		{APIKeyEnv: key, EndpointEnv: base + "_2"},
		{APIKeyEnv: key, EndpointEnv: base + "_3"},
	}
}

// DefaultFamilies mirrors the production deployments.
func DefaultFamilies() FamiliesConfig {
	mini := azureSlots("4o_mini")
	for i := range mini {
		mini[i].APIKeyEnv = "AZ_OPENAI_API_4o_mini_ada_002"
	}
	return FamiliesConfig{
		Vision:   "GPT 4o",
		Default:  "GPT 4o",
		Summary:  "GPT o1-mini",
		Document: "GPT 4o-mini",
		Families: []FamilySpec{
			{ID: "GPT 4o", MaxTokens: 4096, RPM: 48, TPM: 8000, TokenField: llm.TokenFieldMaxTokens, Vision: true, Slots: azureSlots("4o")},
			{ID: "GPT 4o-mini", MaxTokens: 4096, RPM: 2500, TPM: 250000, TokenField: llm.TokenFieldMaxTokens, Slots: mini},
			{ID: "GPT o1", MaxTokens: 40000, RPM: 100, TPM: 600000, TokenField: llm.TokenFieldMaxCompletionTokens,
				MergeSystemIntoUser: true, VisionBridge: true, Slots: azureSlots("o1")},
			{ID: "GPT o1-mini", MaxTokens: 40000, RPM: 100, TPM: 1000000, TokenField: llm.TokenFieldMaxCompletionTokens,
				MergeSystemIntoUser: true, VisionBridge: true, Slots: azureSlots("o1_mini")},
			{ID: "GPT o3-mini", MaxTokens: 100000, RPM: 150, TPM: 90000, TokenField: llm.TokenFieldMaxCompletionTokens,
				VisionBridge: true, Slots: azureSlots("o3_mini")},
			{ID: "GPT 4.1-mini", MaxTokens: 8192, RPM: 150, TPM: 150000, TokenField: llm.TokenFieldMaxCompletionTokens, Slots: azureSlots("4_1_mini")},
			{ID: "GPT 4.1", MaxTokens: 8192, RPM: 150, TPM: 150000, TokenField: llm.TokenFieldMaxCompletionTokens, Slots: azureSlots("4_1")},
		},
	}
}

// LoadFamilies reads the registry from path, or returns the defaults when
// path is empty. Files ending in .toml are decoded as TOML, anything else as
// YAML. Designations left empty in the file take their default.
func LoadFamilies(path string) (FamiliesConfig, error) {
	if path == "" {
		return DefaultFamilies(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return FamiliesConfig{}, fmt.Errorf("reading families file: %w", err)
	}
	return ParseFamilies(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// ParseFamilies decodes a families document.
func ParseFamilies(data []byte, isTOML bool) (FamiliesConfig, error) {
	var fc FamiliesConfig
	if isTOML {
		if err := toml.Unmarshal(data, &fc); err != nil {
			return fc, fmt.Errorf("parsing families TOML: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parsing families YAML: %w", err)
	}

	def := DefaultFamilies()
	if fc.Vision == "" {
		fc.Vision = def.Vision
	}
	if fc.Default == "" {
		fc.Default = def.Default
	}
	if fc.Summary == "" {
		fc.Summary = def.Summary
	}
	if fc.Document == "" {
		fc.Document = def.Document
	}
	return fc, nil
}

// Validate checks the designated families exist. Per-family checks happen in
// llm.NewRegistry.
func (fc FamiliesConfig) Validate() error {
	ids := make(map[string]bool, len(fc.Families))
	for _, f := range fc.Families {
		ids[f.ID] = true
	}
	for role, id := range map[string]string{
		"vision":   fc.Vision,
		"default":  fc.Default,
		"summary":  fc.Summary,
		"document": fc.Document,
	} {
		if !ids[id] {
			return fmt.Errorf("%s family %q: %w", role, id, llm.ErrUnknownFamily)
		}
	}
	return nil
}

// Registry resolves slot credentials through lookup and builds the
// registry configuration.
func (fc FamiliesConfig) Registry(lookup func(string) string) (llm.RegistryConfig, error) {
	if err := fc.Validate(); err != nil {
		return llm.RegistryConfig{}, err
	}
	if lookup == nil {
		lookup = os.Getenv
	}
	cfg := llm.RegistryConfig{Vision: llm.FamilyID(fc.Vision), Default: llm.FamilyID(fc.Default)}
	for _, f := range fc.Families {
		fam := llm.ModelFamily{
			ID:                  llm.FamilyID(f.ID),
			Provider:            llm.Provider(strings.ToLower(f.Provider)),
			Model:               f.Model,
			MaxTokens:           f.MaxTokens,
			RPM:                 f.RPM,
			TPM:                 f.TPM,
			TokenField:          f.TokenField,
			MergeSystemIntoUser: f.MergeSystemIntoUser,
			Vision:              f.Vision,
			VisionBridge:        f.VisionBridge,
		}
		for _, s := range f.Slots {
			fam.Slots = append(fam.Slots, llm.CredentialSlot{
				APIKey:      lookup(s.APIKeyEnv),
				Endpoint:    lookup(s.EndpointEnv),
				APIKeyEnv:   s.APIKeyEnv,
				EndpointEnv: s.EndpointEnv,
			})
		}
		cfg.Families = append(cfg.Families, fam)
	}
	return cfg, nil
}

// BuildRegistry loads the families file named by the config and builds the
// registry from the process environment.
func (c *Config) BuildRegistry() (*llm.Registry, FamiliesConfig, error) {
	fc, err := LoadFamilies(c.FamiliesFile)
	if err != nil {
		return nil, fc, err
	}
	rc, err := fc.Registry(os.Getenv)
	if err != nil {
		return nil, fc, err
	}
	reg, err := llm.NewRegistry(rc)
	if err != nil {
		return nil, fc, fmt.Errorf("model families: %w", err)
	}
	return reg, fc, nil
}
