package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Chain is one retailer whose price data is ingested.
type Chain struct {
	Slug    string `yaml:"slug"`
	Name    string `yaml:"name"`
	Enabled *bool  `yaml:"enabled"`
}

// IsEnabled reports whether the scheduler should trigger the chain. Chains
// are enabled unless they opt out.
func (c Chain) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type chainsFile struct {
	Chains []Chain `yaml:"chains"`
}

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// LoadChains reads the chain catalogue from a YAML file, or from a comma
// separated list of slugs when no file is given. The file wins when both
// are set.
func LoadChains(path, list string) ([]Chain, error) {
	var chains []Chain

	switch {
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read CHAINS_FILE: %w", err)
		}
		chains, err = ParseChains(data)
		if err != nil {
			return nil, fmt.Errorf("invalid CHAINS_FILE %s: %w", path, err)
		}
	case list != "":
		for _, slug := range strings.Split(list, ",") {
			slug = strings.TrimSpace(slug)
			if slug != "" {
				chains = append(chains, Chain{Slug: slug})
			}
		}
		if err := validateChains(chains); err != nil {
			return nil, fmt.Errorf("invalid CHAINS: %w", err)
		}
	}

	return chains, nil
}

// ParseChains decodes a YAML chain catalogue.
func ParseChains(data []byte) ([]Chain, error) {
	var file chainsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse chains: %w", err)
	}
	if err := validateChains(file.Chains); err != nil {
		return nil, err
	}
	return file.Chains, nil
}

func validateChains(chains []Chain) error {
	seen := make(map[string]bool, len(chains))
	for i, c := range chains {
		if !slugPattern.MatchString(c.Slug) {
			return fmt.Errorf("chain %d: invalid slug %q", i, c.Slug)
		}
		if seen[c.Slug] {
			return fmt.Errorf("chain %q listed twice", c.Slug)
		}
		seen[c.Slug] = true
	}
	return nil
}

// EnabledChains returns the slugs of enabled chains in catalogue order.
func EnabledChains(chains []Chain) []string {
	slugs := make([]string, 0, len(chains))
	for _, c := range chains {
		if c.IsEnabled() {
			slugs = append(slugs, c.Slug)
		}
	}
	return slugs
}
