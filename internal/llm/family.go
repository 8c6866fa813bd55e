// Package llm routes chat completions across pooled model deployments.
package llm

import (
	"fmt"
	"net/url"
	"strings"
)

// FamilyID names a model family, e.g. "GPT 4o".
type FamilyID string

// Provider selects the transport used for a family's slots.
type Provider string

const (
	ProviderAzure     Provider = "azure"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// Output-token-limit field names accepted by the upstream API.
const (
	TokenFieldMaxTokens           = "max_tokens"
	TokenFieldMaxCompletionTokens = "max_completion_tokens"
)

// CredentialSlot is one (key, endpoint) deployment of a family.
type CredentialSlot struct {
	APIKey   string
	Endpoint string

	// Env names the slot was resolved from, kept for error reporting.
	APIKeyEnv   string
	EndpointEnv string
}

// Provisioned reports whether both key and endpoint are present.
func (s CredentialSlot) Provisioned() bool {
	return s.APIKey != "" && s.Endpoint != ""
}

// Deployment extracts the deployment name from an endpoint such as
// https://host/openai/deployments/{name}/chat/completions?api-version=...
func (s CredentialSlot) Deployment() string {
	return DeploymentName(s.Endpoint)
}

// DeploymentName returns the path segment following "deployments", or the
// third segment from the end when the endpoint has no such segment.
func DeploymentName(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, seg := range segs {
		if seg == "deployments" && i+1 < len(segs) {
			return segs[i+1]
		}
	}
	if len(segs) >= 3 {
		return segs[len(segs)-3]
	}
	return u.Host
}

// ModelFamily describes a class of interchangeable deployments.
type ModelFamily struct {
	ID         FamilyID
	Provider   Provider
	Slots      []CredentialSlot
	MaxTokens  int
	RPM        int
	TPM        int
	TokenField string

	// MergeSystemIntoUser folds system messages into user turns for
	// deployments that reject the system role.
	MergeSystemIntoUser bool

	// Vision marks families able to read image parts.
	Vision bool

	// VisionBridge makes image turns go through a describe pre-pass on the
	// vision family instead of substituting the vision family outright.
	VisionBridge bool

	// Model overrides the model name sent upstream (anthropic families).
	Model string
}

// Limits returns the family's quota ceilings.
func (f *ModelFamily) Limits() Limits {
	return Limits{RPM: f.RPM, TPM: f.TPM}
}

func (f *ModelFamily) validate() error {
	if f.ID == "" {
		return fmt.Errorf("family with empty id")
	}
	if len(f.Slots) == 0 {
		return fmt.Errorf("family %q: no credential slots", f.ID)
	}
	if f.RPM <= 0 || f.TPM <= 0 {
		return fmt.Errorf("family %q: rpm and tpm must be positive", f.ID)
	}
	if f.MaxTokens <= 0 {
		return fmt.Errorf("family %q: max tokens must be positive", f.ID)
	}
	switch f.TokenField {
	case TokenFieldMaxTokens, TokenFieldMaxCompletionTokens:
	default:
		return fmt.Errorf("family %q: unsupported token field %q", f.ID, f.TokenField)
	}
	switch f.Provider {
	case ProviderAzure, ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("family %q: unsupported provider %q", f.ID, f.Provider)
	}
	return nil
}

// Registry is the immutable set of families loaded at startup.
type Registry struct {
	families map[FamilyID]*ModelFamily
	order    []FamilyID

	vision   FamilyID
	fallback FamilyID
}

// RegistryConfig names the designated families.
type RegistryConfig struct {
	Families []ModelFamily
	Vision   FamilyID
	Default  FamilyID
}

// NewRegistry validates the families and builds a registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	r := &Registry{families: make(map[FamilyID]*ModelFamily, len(cfg.Families))}
	for i := range cfg.Families {
		fam := cfg.Families[i]
		if fam.Provider == "" {
			fam.Provider = ProviderAzure
		}
		// The messages API takes no system role inline.
		if fam.Provider == ProviderAnthropic {
			fam.MergeSystemIntoUser = true
		}
		if err := fam.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.families[fam.ID]; dup {
			return nil, fmt.Errorf("duplicate family %q", fam.ID)
		}
		fam.Slots = append([]CredentialSlot(nil), fam.Slots...)
		r.families[fam.ID] = &fam
		r.order = append(r.order, fam.ID)
	}
	vision, ok := r.families[cfg.Vision]
	if !ok {
		return nil, fmt.Errorf("vision family %q: %w", cfg.Vision, ErrUnknownFamily)
	}
	if !vision.Vision {
		return nil, fmt.Errorf("vision family %q is not vision-capable", cfg.Vision)
	}
	if _, ok := r.families[cfg.Default]; !ok {
		return nil, fmt.Errorf("default family %q: %w", cfg.Default, ErrUnknownFamily)
	}
	r.vision = cfg.Vision
	r.fallback = cfg.Default
	return r, nil
}

// Get returns a family by id.
func (r *Registry) Get(id FamilyID) (*ModelFamily, error) {
	fam, ok := r.families[id]
	if !ok {
		return nil, fmt.Errorf("family %q: %w", id, ErrUnknownFamily)
	}
	return fam, nil
}

// Resolve returns the family for id, or the default family when id is empty.
func (r *Registry) Resolve(id FamilyID) (*ModelFamily, error) {
	if id == "" {
		id = r.fallback
	}
	return r.Get(id)
}

// Vision returns the designated vision-capable family.
func (r *Registry) Vision() *ModelFamily {
	return r.families[r.vision]
}

// Default returns the family used when a caller names none.
func (r *Registry) Default() *ModelFamily {
	return r.families[r.fallback]
}

// Families returns the families in registration order.
func (r *Registry) Families() []*ModelFamily {
	out := make([]*ModelFamily, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.families[id])
	}
	return out
}
