// Package prompts enumerates seed prompts from a template.
package prompts

import (
	"fmt"

	"github.com/adgen-dev/adgen/internal/config"
)

// Generator is a lazy, restartable prompt sequence. For an AdTemplate it
// cycles over the styles starting at index 0 and wraps after the last one,
// so it can hand out more prompts than there are styles. For a GeneralPrompt
// it yields the same string indefinitely. It depends on no external state.
//
// Not safe for concurrent use; the dispatcher is the only caller.
type Generator struct {
	tpl config.Template
	idx int
}

// New builds a generator over a template snapshot.
func New(tpl config.Template) *Generator {
	return &Generator{tpl: tpl}
}

// Next returns the next seed prompt.
func (g *Generator) Next() string {
	if g.tpl.Ad != nil {
		ad := g.tpl.Ad
		style := "clean product photo"
		if len(ad.Styles) > 0 {
			style = ad.Styles[g.idx%len(ad.Styles)]
			g.idx++
		}
		return fmt.Sprintf("An advertisement image for %s %s in style: %s", ad.Brand, ad.Product, style)
	}
	if g.tpl.General != nil {
		return g.tpl.General.Prompt
	}
	return ""
}

// Reset rewinds the sequence to the first style.
func (g *Generator) Reset() {
	g.idx = 0
}
