package config

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTemplateAd(t *testing.T) {
	doc := `!AdTemplate
brand: Acme
product: Rocket Skates
styles:
  - retro poster
  - minimalist
`
	tpl, err := LoadTemplate(writeDoc(t, "template.yml", doc))
	require.NoError(t, err)
	require.NotNil(t, tpl.Ad)
	assert.Nil(t, tpl.General)
	assert.Equal(t, "Acme", tpl.Ad.Brand)
	assert.Equal(t, []string{"retro poster", "minimalist"}, tpl.Ad.Styles)

	errs, _ := tpl.Validate()
	assert.Empty(t, errs)
}

func TestLoadTemplateGeneral(t *testing.T) {
	doc := `!GeneralPrompt
prompt: a calm mountain lake at dawn
`
	tpl, err := LoadTemplate(writeDoc(t, "template.yml", doc))
	require.NoError(t, err)
	require.NotNil(t, tpl.General)
	assert.Nil(t, tpl.Ad)
	assert.Equal(t, "a calm mountain lake at dawn", tpl.General.Prompt)
}

func TestLoadTemplateUnknownTag(t *testing.T) {
	_, err := LoadTemplate(writeDoc(t, "template.yml", "!Mystery\nfoo: bar\n"))
	require.Error(t, err)

	var perr *ParseError
	assert.ErrorAs(t, err, &perr)
	assert.Contains(t, err.Error(), "!Mystery")
}

func TestTemplateYAMLRoundTrip(t *testing.T) {
	tpl := Template{Ad: &AdTemplate{Brand: "Acme", Product: "Anvil", Styles: []string{"noir"}}}

	data, err := tpl.MarshalYAMLDoc()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "!AdTemplate"), "tag survives encoding: %s", data)

	reloaded, err := LoadTemplate(writeDoc(t, "template.yml", string(data)))
	require.NoError(t, err)
	assert.Equal(t, &tpl, reloaded)
}

func TestTemplateJSONWireShape(t *testing.T) {
	tpl := Template{Ad: &AdTemplate{Brand: "Acme", Product: "Anvil", Styles: []string{"noir"}}}

	data, err := json.Marshal(tpl)
	require.NoError(t, err)
	assert.JSONEq(t, `{"mode":{"AdTemplate":{"brand":"Acme","product":"Anvil","styles":["noir"]}}}`, string(data))

	var back Template
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, tpl, back)
}

func TestTemplateValidate(t *testing.T) {
	errs, _ := Template{}.Validate()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "no variant")

	errs, _ = Template{Ad: &AdTemplate{}}.Validate()
	assert.Len(t, errs, 3)

	errs, _ = Template{General: &GeneralPrompt{}}.Validate()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "prompt")

	errs, _ = Template{Ad: &AdTemplate{Brand: "a", Product: "b", Styles: []string{"s"}}, General: &GeneralPrompt{Prompt: "p"}}.Validate()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "exactly one")
}
