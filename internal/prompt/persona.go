package prompt

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ent0n29/companion/internal/memory"
)

// Persona describes the assistant's character. It can be loaded from YAML:
//
//	name: Sam
//	preamble: You are Sam, a warm companion...
//	style: [curious, playful]
//	relationship_tones:
//	  friend: Talk like an old friend.
type Persona struct {
	Name              string                              `yaml:"name"`
	Preamble          string                              `yaml:"preamble"`
	Style             []string                            `yaml:"style"`
	RelationshipTones map[memory.RelationshipLevel]string `yaml:"relationship_tones"`
}

func DefaultPersona() Persona {
	return Persona{
		Name: "Sam",
		Preamble: "You are Sam, a warm and attentive companion. You talk like a person, not a service. " +
			"You remember what matters to the user and bring it up when it helps. " +
			"Keep replies natural and spoken-sounding, with no lists or markdown.",
		Style: []string{"empathetic", "conversational", "curious"},
		RelationshipTones: map[memory.RelationshipLevel]string{
			memory.RelationshipNew:          "You are just getting to know them. Be friendly and a little careful.",
			memory.RelationshipAcquaintance: "You have talked a few times. Be relaxed and friendly.",
			memory.RelationshipFriend:       "You are friends. Be warm, casual and a bit playful.",
			memory.RelationshipClose:        "You are close. Be affectionate and candid.",
			memory.RelationshipIntimate:     "You share a deep bond. Be tender, personal and fully present.",
		},
	}
}

// LoadPersona reads a persona from a YAML file. Missing fields fall back to
// the default persona.
func LoadPersona(path string) (Persona, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, fmt.Errorf("read persona: %w", err)
	}
	var p Persona
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Persona{}, fmt.Errorf("parse persona %s: %w", path, err)
	}

	def := DefaultPersona()
	if strings.TrimSpace(p.Name) == "" {
		p.Name = def.Name
	}
	if strings.TrimSpace(p.Preamble) == "" {
		p.Preamble = def.Preamble
	}
	if len(p.Style) == 0 {
		p.Style = def.Style
	}
	if p.RelationshipTones == nil {
		p.RelationshipTones = map[memory.RelationshipLevel]string{}
	}
	for level, tone := range def.RelationshipTones {
		if _, ok := p.RelationshipTones[level]; !ok {
			p.RelationshipTones[level] = tone
		}
	}
	return p, nil
}

// Render produces the persona part of the system message for a user.
func (p Persona) Render(profile memory.Profile) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.Preamble))
	if len(p.Style) > 0 {
		fmt.Fprintf(&b, "\nYour style: %s.", strings.Join(p.Style, ", "))
	}
	level := profile.RelationshipLevel
	if level == "" {
		level = memory.RelationshipNew
	}
	if tone := p.RelationshipTones[level]; tone != "" {
		b.WriteString("\n")
		b.WriteString(tone)
	}
	return b.String()
}
