package content

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opos-prep/backend/internal/models"
)

var (
	ErrUnknownTopic = errors.New("unknown topic")
	ErrNoContent    = errors.New("no readable content for topic")
)

// Catalog is the fixed, ordered set of study topics.
type Catalog struct {
	topics []models.Topic
	byID   map[string]models.Topic
}

type catalogFile struct {
	Topics []models.Topic `yaml:"topics"`
}

// LoadCatalog reads a YAML file of the form:
//
//	topics:
//	  - id: tema-5-medicamentos
//	    title: TEMA 5 - MEDICAMENTOS
//	    files: ["TEMA 5- MEDICAMENTOS.txt"]
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topic catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse topic catalog: %w", err)
	}
	return NewCatalog(f.Topics)
}

func NewCatalog(topics []models.Topic) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]models.Topic, len(topics))}
	for _, t := range topics {
		if t.ID == "" {
			return nil, fmt.Errorf("topic %q has no id", t.Title)
		}
		if _, dup := c.byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate topic id %q", t.ID)
		}
		if t.Title == "" {
			t.Title = t.ID
		}
		c.byID[t.ID] = t
		c.topics = append(c.topics, t)
	}
	if len(c.topics) == 0 {
		return nil, errors.New("topic catalog is empty")
	}
	return c, nil
}

func (c *Catalog) Get(id string) (models.Topic, bool) {
	t, ok := c.byID[id]
	return t, ok
}

func (c *Catalog) All() []models.Topic {
	out := make([]models.Topic, len(c.topics))
	copy(out, c.topics)
	return out
}

func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.topics))
	for i, t := range c.topics {
		ids[i] = t.ID
	}
	return ids
}

// Validate returns ErrUnknownTopic for the first id not in the catalog.
func (c *Catalog) Validate(ids []string) error {
	for _, id := range ids {
		if _, ok := c.byID[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTopic, id)
		}
	}
	return nil
}
