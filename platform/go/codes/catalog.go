package codes

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed translations.yaml
var translationsYAML []byte

// Translator resolves a translation key for a language.
type Translator interface {
	Translate(key string, lang Language) string
}

// Catalog is the embedded translation table. Missing keys translate to themselves.
type Catalog struct {
	entries map[string]map[Language]string
}

// LoadCatalog parses the embedded translations.
func LoadCatalog() (*Catalog, error) {
	return ParseCatalog(translationsYAML)
}

// MustLoadCatalog panics when the embedded translations are malformed.
func MustLoadCatalog() *Catalog {
	c, err := LoadCatalog()
	if err != nil {
		panic(err)
	}
	return c
}

// ParseCatalog parses a YAML document of the form key: {FI: ..., SV: ...}.
func ParseCatalog(raw []byte) (*Catalog, error) {
	var doc map[string]map[string]string
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse translations: %w", err)
	}

	entries := make(map[string]map[Language]string, len(doc))
	for key, byLang := range doc {
		entry := make(map[Language]string, len(byLang))
		for lang, text := range byLang {
			parsed, err := ParseLanguage(lang)
			if err != nil {
				return nil, fmt.Errorf("translation %q: %w", key, err)
			}
			entry[parsed] = text
		}
		if entry[FI] == "" {
			return nil, fmt.Errorf("translation %q has no FI text", key)
		}
		entries[key] = entry
	}
	return &Catalog{entries: entries}, nil
}

// Translate returns the text for lang, falling back to FI and then to the key itself.
func (c *Catalog) Translate(key string, lang Language) string {
	entry, ok := c.entries[key]
	if !ok {
		return key
	}
	if text := entry[lang]; text != "" {
		return text
	}
	return entry[FI]
}

// Has reports whether key exists.
func (c *Catalog) Has(key string) bool {
	_, ok := c.entries[key]
	return ok
}

// Keys lists every key, sorted.
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
