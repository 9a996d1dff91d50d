// Package category holds the fixed support-chat categories a resident picks from
// when opening a conversation.
package category

import (
	"strings"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

// Code is the stable wire identifier of a category.
type Code string

const (
	CodeComplaint  Code = "A01"
	CodeSuggestion Code = "A02"
	CodeRepair     Code = "A03"
	CodeSecurity   Code = "A04"
)

// Category is an immutable registry entry.
type Category struct {
	Code        Code
	DisplayName string
	IconKey     string
}

var defaults = []Category{
	{Code: CodeComplaint, DisplayName: "민원", IconKey: "complaint"},
	{Code: CodeSuggestion, DisplayName: "건의", IconKey: "suggestion"},
	{Code: CodeRepair, DisplayName: "수리/정비", IconKey: "repair"},
	{Code: CodeSecurity, DisplayName: "보안/안전", IconKey: "security"},
}

var english = map[Code]string{
	CodeComplaint:  "Complaint",
	CodeSuggestion: "Suggestion",
	CodeRepair:     "Repair & maintenance",
	CodeSecurity:   "Security & safety",
}

// Registry is a read-only lookup table over the categories.
type Registry struct {
	items  []Category
	byCode map[Code]Category
	bundle *i18n.Bundle
}

// NewRegistry builds the registry with Korean display names and an English translation.
func NewRegistry() *Registry {
	bundle := i18n.NewBundle(language.Korean)
	r := &Registry{
		items:  make([]Category, len(defaults)),
		byCode: make(map[Code]Category, len(defaults)),
		bundle: bundle,
	}
	copy(r.items, defaults)
	for _, c := range defaults {
		r.byCode[c.Code] = c
		_ = bundle.AddMessages(language.Korean, &i18n.Message{ID: messageID(c.Code), Other: c.DisplayName})
		_ = bundle.AddMessages(language.English, &i18n.Message{ID: messageID(c.Code), Other: english[c.Code]})
	}
	return r
}

func messageID(code Code) string {
	return "category-" + string(code)
}

// List returns the categories in display order.
func (r *Registry) List() []Category {
	out := make([]Category, len(r.items))
	copy(out, r.items)
	return out
}

// ByCode resolves a category by its wire code.
func (r *Registry) ByCode(code Code) (Category, bool) {
	c, ok := r.byCode[Code(strings.ToUpper(strings.TrimSpace(string(code))))]
	return c, ok
}

// ByName resolves a category by its display name in any supported language.
func (r *Registry) ByName(name string) (Category, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Category{}, false
	}
	for _, c := range r.items {
		if c.DisplayName == name || strings.EqualFold(english[c.Code], name) {
			return c, true
		}
	}
	return Category{}, false
}

// Valid reports whether code names a known category.
func (r *Registry) Valid(code Code) bool {
	_, ok := r.ByCode(code)
	return ok
}

// LocalizedName returns the display name of code for lang, falling back to Korean.
// Unknown codes yield "".
func (r *Registry) LocalizedName(lang string, code Code) string {
	c, ok := r.ByCode(code)
	if !ok {
		return ""
	}
	localizer := i18n.NewLocalizer(r.bundle, lang, language.Korean.String())
	name, err := localizer.Localize(&i18n.LocalizeConfig{MessageID: messageID(c.Code)})
	if err != nil || name == "" {
		return c.DisplayName
	}
	return name
}
