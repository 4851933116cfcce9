package augment

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"OpenCRM-Dialog/internal/session"
)

func contact(id, label string, fields map[string]any) session.TrackedEntity {
	return session.TrackedEntity{Kind: session.KindContact, ID: id, Label: label, Fields: fields}
}

func TestAugmentSuggestsAndDeduplicates(t *testing.T) {
	jane := contact("c1", "Jane Smith", map[string]any{"email": "jane@x.com"})
	out := Augment([]Executed{
		{Tool: "contact.create", Domain: "contact", Entities: []session.TrackedEntity{jane}},
		{Tool: "contact.update", Domain: "contact", Entities: []session.TrackedEntity{jane}},
	}, false)

	assert.Equal(t, "Schedule a follow-up with Jane Smith?", out.Suggestions[0])
	assert.Len(t, out.Suggestions, 2)

	types := map[string]int{}
	for _, action := range out.Actions {
		types[action.Type]++
		assert.Equal(t, "c1", action.EntityID)
	}
	assert.Equal(t, map[string]int{ActionView: 1, ActionEmail: 1, ActionSchedule: 1}, types)
}

func TestAugmentPrefersLatestEntity(t *testing.T) {
	property := session.TrackedEntity{Kind: session.KindProperty, ID: "p1", Label: "12 Fake Street"}
	out := Augment([]Executed{
		{Tool: "contact.create", Entities: []session.TrackedEntity{contact("c1", "Jane Smith", nil)}},
		{Tool: "property.create", Entities: []session.TrackedEntity{property}},
	}, false)
	assert.Equal(t, "Book a showing at 12 Fake Street?", out.Suggestions[0])
	assert.Len(t, out.Suggestions, MaxSuggestions)
}

func TestAugmentVoiceMode(t *testing.T) {
	out := Augment([]Executed{
		{Tool: "email.send"},
		{Tool: "contact.create", Entities: []session.TrackedEntity{contact("c1", "Jane Smith", map[string]any{"phone": "+15550100"})}},
	}, true)
	assert.Len(t, out.Suggestions, 1)
	assert.Empty(t, out.Actions)
}

func TestAugmentNothingExecuted(t *testing.T) {
	out := Augment(nil, false)
	assert.Empty(t, out.Suggestions)
	assert.Empty(t, out.Actions)
}
