package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Vocabulary holds the trigger keywords and the role words that mark a participant as the provider side.
type Vocabulary struct {
	Keywords      []string `yaml:"keywords"`
	ProviderRoles []string `yaml:"provider_roles"`
}

func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		Keywords: []string{
			"deal", "agreement", "contract", "invoice", "quote",
			"payment", "escrow", "deposit", "let's agree",
		},
		ProviderRoles: []string{
			"plumber", "contractor", "consultant", "electrician", "builder",
			"freelancer", "designer", "developer", "tutor", "photographer",
			"mechanic", "landscaper", "cleaner", "provider", "vendor", "seller",
		},
	}
}

// LoadVocabulary reads a YAML vocabulary file. Empty lists in the file fall back to the defaults.
func LoadVocabulary(path string) (Vocabulary, error) {
	vocab := DefaultVocabulary()
	if path == "" {
		return vocab, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return vocab, fmt.Errorf("failed to read vocabulary file: %w", err)
	}

	var fromFile Vocabulary
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return vocab, fmt.Errorf("failed to parse vocabulary file: %w", err)
	}

	if len(fromFile.Keywords) > 0 {
		vocab.Keywords = fromFile.Keywords
	}
	if len(fromFile.ProviderRoles) > 0 {
		vocab.ProviderRoles = fromFile.ProviderRoles
	}
	return vocab, nil
}
