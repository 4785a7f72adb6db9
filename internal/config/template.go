package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// YAML tags for the template variants on disk.
const (
	tagAdTemplate    = "!AdTemplate"
	tagGeneralPrompt = "!GeneralPrompt"
)

// AdTemplate expands into one prompt per style, cycling.
type AdTemplate struct {
	Brand   string   `yaml:"brand" json:"brand"`
	Product string   `yaml:"product" json:"product"`
	Styles  []string `yaml:"styles" json:"styles"`
}

// GeneralPrompt repeats a single free-form prompt.
type GeneralPrompt struct {
	Prompt string `yaml:"prompt" json:"prompt"`
}

// Template is the tagged prompt-template document. Exactly one variant is
// set. On disk it is a tagged YAML node (!AdTemplate / !GeneralPrompt); over
// the wire it is {"mode": {"AdTemplate": {...}}} to match the UI contract.
type Template struct {
	Ad      *AdTemplate
	General *GeneralPrompt
}

// UnmarshalYAML decodes the tag-per-variant disk encoding.
func (t *Template) UnmarshalYAML(node *yaml.Node) error {
	switch node.Tag {
	case tagAdTemplate:
		var ad AdTemplate
		if err := node.Decode(&ad); err != nil {
			return err
		}
		*t = Template{Ad: &ad}
		return nil
	case tagGeneralPrompt:
		var gp GeneralPrompt
		if err := node.Decode(&gp); err != nil {
			return err
		}
		*t = Template{General: &gp}
		return nil
	default:
		return fmt.Errorf("unknown template tag %q (want %s or %s)", node.Tag, tagAdTemplate, tagGeneralPrompt)
	}
}

// MarshalYAML re-emits the tagged node.
func (t Template) MarshalYAML() (any, error) {
	var node yaml.Node
	switch {
	case t.Ad != nil:
		if err := node.Encode(t.Ad); err != nil {
			return nil, err
		}
		node.Tag = tagAdTemplate
	case t.General != nil:
		if err := node.Encode(t.General); err != nil {
			return nil, err
		}
		node.Tag = tagGeneralPrompt
	default:
		return nil, errors.New("template has no variant set")
	}
	node.Style = yaml.TaggedStyle
	return &node, nil
}

// templateWire is the {"mode": {...}} JSON shape.
type templateWire struct {
	Mode struct {
		AdTemplate    *AdTemplate    `json:"AdTemplate,omitempty"`
		GeneralPrompt *GeneralPrompt `json:"GeneralPrompt,omitempty"`
	} `json:"mode"`
}

// MarshalJSON encodes the wire shape.
func (t Template) MarshalJSON() ([]byte, error) {
	var w templateWire
	w.Mode.AdTemplate = t.Ad
	w.Mode.GeneralPrompt = t.General
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire shape.
func (t *Template) UnmarshalJSON(data []byte) error {
	var w templateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*t = Template{Ad: w.Mode.AdTemplate, General: w.Mode.GeneralPrompt}
	return nil
}

// LoadTemplate reads and decodes the template document.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	var tpl Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return &tpl, nil
}

// MarshalYAMLDoc encodes the template back to its on-disk representation.
func (t Template) MarshalYAMLDoc() ([]byte, error) {
	return yaml.Marshal(t)
}

// Validate checks the template invariants.
func (t Template) Validate() (errs []string, warnings []string) {
	switch {
	case t.Ad != nil && t.General != nil:
		errs = append(errs, "template: exactly one of AdTemplate and GeneralPrompt must be set")
	case t.Ad != nil:
		if t.Ad.Brand == "" {
			errs = append(errs, "AdTemplate.brand: must not be empty")
		}
		if t.Ad.Product == "" {
			errs = append(errs, "AdTemplate.product: must not be empty")
		}
		if len(t.Ad.Styles) == 0 {
			errs = append(errs, "AdTemplate.styles: must not be empty")
		}
	case t.General != nil:
		if t.General.Prompt == "" {
			errs = append(errs, "GeneralPrompt.prompt: must not be empty")
		}
	default:
		errs = append(errs, "template: no variant set")
	}
	return errs, warnings
}
