package services

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// NormPlaceholder marks where a norm description is substituted into a topic's system prompt.
const NormPlaceholder = "{norm}"

//go:embed catalog/default.yaml
var defaultCatalogYAML []byte

// Topic selects a persuasion-agent configuration.
type Topic struct {
	Key                  string `yaml:"key" json:"key"`
	Title                string `yaml:"title" json:"title"`
	Description          string `yaml:"description" json:"description"`
	SystemPromptTemplate string `yaml:"system_prompt" json:"-"`
}

// Norm names the behavior or attitude under study.
type Norm struct {
	Key         string `yaml:"key" json:"key"`
	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description" json:"description"`
}

// Catalog holds both static catalogs. Slice order is the enumeration order
// used by the assigner and by the deterministic fallback.
type Catalog struct {
	Topics []Topic `yaml:"topics"`
	Norms  []Norm  `yaml:"norms"`

	topicIdx map[string]int
	normIdx  map[string]int
}

// LoadCatalog reads a YAML catalog from path, or the embedded default when path is empty.
// Any failure is a catalog_load_failed error and must stop startup.
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultCatalogYAML
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, NewCatalogLoadError("read catalog", err)
		}
		data = b
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, NewCatalogLoadError("parse catalog", err)
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

// NewCatalog builds a validated catalog from in-memory records.
func NewCatalog(topics []Topic, norms []Norm) (*Catalog, error) {
	c := &Catalog{Topics: topics, Norms: norms}
	if err := c.index(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) index() error {
	if len(c.Topics) == 0 {
		return NewCatalogLoadError("topics catalog is empty", nil)
	}
	if len(c.Norms) == 0 {
		return NewCatalogLoadError("norms catalog is empty", nil)
	}
	c.topicIdx = make(map[string]int, len(c.Topics))
	for i, t := range c.Topics {
		key := strings.TrimSpace(t.Key)
		if key == "" {
			return NewCatalogLoadError(fmt.Sprintf("topic #%d has no key", i+1), nil)
		}
		if _, dup := c.topicIdx[key]; dup {
			return NewCatalogLoadError(fmt.Sprintf("duplicate topic key %q", key), nil)
		}
		if n := strings.Count(t.SystemPromptTemplate, NormPlaceholder); n != 1 {
			return NewCatalogLoadError(fmt.Sprintf("topic %q: system prompt must contain %s exactly once, found %d", key, NormPlaceholder, n), nil)
		}
		c.Topics[i].Key = key
		c.topicIdx[key] = i
	}
	c.normIdx = make(map[string]int, len(c.Norms))
	for i, n := range c.Norms {
		key := strings.TrimSpace(n.Key)
		if key == "" {
			return NewCatalogLoadError(fmt.Sprintf("norm #%d has no key", i+1), nil)
		}
		if _, dup := c.normIdx[key]; dup {
			return NewCatalogLoadError(fmt.Sprintf("duplicate norm key %q", key), nil)
		}
		if strings.TrimSpace(n.Description) == "" {
			return NewCatalogLoadError(fmt.Sprintf("norm %q has no description", key), nil)
		}
		c.Norms[i].Key = key
		c.normIdx[key] = i
	}
	return nil
}

func (c *Catalog) Topic(key string) (Topic, bool) {
	i, ok := c.topicIdx[key]
	if !ok {
		return Topic{}, false
	}
	return c.Topics[i], true
}

func (c *Catalog) Norm(key string) (Norm, bool) {
	i, ok := c.normIdx[key]
	if !ok {
		return Norm{}, false
	}
	return c.Norms[i], true
}

// Conditions enumerates the full topic x norm cross-product in catalog order.
func (c *Catalog) Conditions() []Condition {
	out := make([]Condition, 0, len(c.Topics)*len(c.Norms))
	for _, t := range c.Topics {
		for _, n := range c.Norms {
			out = append(out, Condition{TopicKey: t.Key, NormKey: n.Key})
		}
	}
	return out
}

// Has reports whether both keys of cond still exist in the catalog.
func (c *Catalog) Has(cond Condition) bool {
	_, t := c.topicIdx[cond.TopicKey]
	_, n := c.normIdx[cond.NormKey]
	return t && n
}

// BuildSystemPrompt substitutes the norm description into the topic template.
func BuildSystemPrompt(topic Topic, norm Norm) string {
	return strings.Replace(topic.SystemPromptTemplate, NormPlaceholder, strings.TrimSpace(norm.Description), 1)
}
