package crm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenCRM-Dialog/internal/catalog"
	"OpenCRM-Dialog/internal/directory"
	"OpenCRM-Dialog/internal/entity"
	"OpenCRM-Dialog/internal/session"
)

var tc = catalog.Context{UserID: "u1", SessionID: "s1", ConversationID: "c1", ApprovalConfirmed: true}

type failingMailer struct{}

func (failingMailer) Send(context.Context, Message) error { return errors.New("smtp down") }

func run(t *testing.T, cat *catalog.Catalog, name string, args map[string]any) *catalog.Result {
	t.Helper()
	desc, ok := cat.Lookup(name)
	require.True(t, ok, "tool %s must be registered", name)
	result, err := desc.Execute(context.Background(), args, tc)
	require.NoError(t, err)
	return result
}

func TestCatalogRegistersAllTools(t *testing.T) {
	cat, err := New(directory.NewMemoryStore()).Catalog()
	require.NoError(t, err)

	for _, name := range []string{
		"core.current_time", "note.append",
		"contact.search", "contact.create", "contact.update", "contact.delete",
		"property.search", "property.create", "property.update",
		"deal.create", "deal.update", "task.create", "calendar.create_event", "email.send",
	} {
		_, ok := cat.Lookup(name)
		assert.True(t, ok, name)
	}

	search, _ := cat.Lookup("property.search")
	assert.True(t, search.IsSearch())
	assert.Equal(t, "property.create", search.CreateTool)

	del, _ := cat.Lookup("contact.delete")
	assert.True(t, del.IsDestructive())

	email, _ := cat.Lookup("email.send")
	assert.True(t, email.IsAsync)

	contactCreate, _ := cat.Lookup("contact.create")
	assert.False(t, contactCreate.DirectCreate)
	propertyCreate, _ := cat.Lookup("property.create")
	assert.True(t, propertyCreate.DirectCreate)
}

func TestContactLifecycle(t *testing.T) {
	dir := directory.NewMemoryStore()
	cat, err := New(dir).Catalog()
	require.NoError(t, err)

	missing := run(t, cat, "contact.search", map[string]any{"query": "Jane"})
	assert.True(t, missing.Success)
	assert.True(t, missing.NotFound)

	created := run(t, cat, "contact.create", map[string]any{"name": "Jane Smith", "email": "jane@x.com"})
	require.True(t, created.Success)
	contact := created.Data["contact"].(map[string]any)
	id := contact["contactId"].(string)
	assert.Equal(t, "Jane Smith", contact["name"])
	assert.Equal(t, "Jane", contact["firstName"])
	assert.Equal(t, "jane@x.com", contact["email"])

	sess := session.New("u1", "c1")
	tracked := entity.Track(sess, catalog.DomainContact, created.Data)
	require.Len(t, tracked, 1)
	focus, ok := sess.FocusOf(session.KindContact)
	require.True(t, ok)
	assert.Equal(t, id, focus)

	found := run(t, cat, "contact.search", map[string]any{"query": "jane@x"})
	assert.False(t, found.NotFound)
	assert.Equal(t, 1, found.Data["count"])

	updated := run(t, cat, "contact.update", map[string]any{"contactId": id, "phone": "+15550100"})
	require.True(t, updated.Success)
	assert.Equal(t, "+15550100", updated.Data["contact"].(map[string]any)["phone"])
	assert.Equal(t, "jane@x.com", updated.Data["contact"].(map[string]any)["email"])

	deleted := run(t, cat, "contact.delete", map[string]any{"contactId": id})
	assert.True(t, deleted.Success)

	again := run(t, cat, "contact.delete", map[string]any{"contactId": id})
	assert.False(t, again.Success)
	assert.NotEmpty(t, again.Error)
}

func TestPropertyCreateEmbedsOwner(t *testing.T) {
	owner := directory.Record{ID: "c-1", OwnerID: "u1", Kind: session.KindContact, Display: "John Smith"}
	cat, err := New(directory.NewMemoryStore(owner)).Catalog()
	require.NoError(t, err)

	result := run(t, cat, "property.create", map[string]any{"address": "12 Fake Street", "contactId": "c-1", "price": 500000})
	require.True(t, result.Success)
	assert.Equal(t, "active", result.Data["property"].(map[string]any)["status"])
	assert.Equal(t, "John Smith", result.Data["contact"].(map[string]any)["name"])

	sess := session.New("u1", "c1")
	entity.Track(sess, catalog.DomainProperty, result.Data)
	assert.True(t, sess.HasRecent(session.KindContact))
	assert.Equal(t, session.KindProperty, sess.Focus.Kind)
}

func TestSchedulingAndNotes(t *testing.T) {
	contact := directory.Record{ID: "c-1", OwnerID: "u1", Kind: session.KindContact, Display: "Jane Smith"}
	cat, err := New(directory.NewMemoryStore(contact)).Catalog()
	require.NoError(t, err)

	event := run(t, cat, "calendar.create_event", map[string]any{
		"summary": "Showing with Jane", "startTime": "2026-03-01T10:00:00Z", "contactId": "c-1",
	})
	require.True(t, event.Success)
	assert.Equal(t, "Showing with Jane", event.Data["event"].(map[string]any)["summary"])

	badTime := run(t, cat, "calendar.create_event", map[string]any{"summary": "x", "startTime": "tomorrow"})
	assert.False(t, badTime.Success)

	task := run(t, cat, "task.create", map[string]any{"title": "Call Jane", "contactId": "c-1"})
	require.True(t, task.Success)
	assert.Equal(t, "open", task.Data["task"].(map[string]any)["status"])

	first := run(t, cat, "note.append", map[string]any{"note": "prefers mornings", "contactId": "c-1"})
	require.True(t, first.Success)
	second := run(t, cat, "note.append", map[string]any{"note": "has a dog", "contactId": "c-1"})
	notes := second.Data["contact"].(map[string]any)["notes"].([]any)
	assert.Len(t, notes, 2)

	orphan := run(t, cat, "note.append", map[string]any{"note": "floating"})
	assert.False(t, orphan.Success)
}

func TestDealsAndTime(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	cat, err := New(directory.NewMemoryStore(), WithClock(func() time.Time { return fixed })).Catalog()
	require.NoError(t, err)

	deal := run(t, cat, "deal.create", map[string]any{"dealName": "Oak St offer"})
	require.True(t, deal.Success)
	dealID := deal.Data["deal"].(map[string]any)["dealId"].(string)
	assert.Equal(t, "lead", deal.Data["deal"].(map[string]any)["stage"])

	moved := run(t, cat, "deal.update", map[string]any{"dealId": dealID, "stage": "offer"})
	assert.Equal(t, "offer", moved.Data["deal"].(map[string]any)["stage"])

	desc, _ := cat.Lookup("deal.update")
	assert.NotEmpty(t, desc.Validate(map[string]any{"stage": "won"}))

	now := run(t, cat, "core.current_time", nil)
	assert.Equal(t, "2026-01-02", now.Data["date"])
	assert.Equal(t, "Friday", now.Data["weekday"])

	bad := run(t, cat, "core.current_time", map[string]any{"timezone": "Mars/Olympus"})
	assert.False(t, bad.Success)
}

func TestEmailSend(t *testing.T) {
	cat, err := New(directory.NewMemoryStore()).Catalog()
	require.NoError(t, err)
	sent := run(t, cat, "email.send", map[string]any{"to": "jane@x.com", "subject": "Hello", "body": "Hi Jane"})
	require.True(t, sent.Success)
	assert.NotEmpty(t, sent.Data["messageId"])

	broken, err := New(directory.NewMemoryStore(), WithMailer(failingMailer{})).Catalog()
	require.NoError(t, err)
	failed := run(t, broken, "email.send", map[string]any{"to": "jane@x.com", "subject": "Hello", "body": "x"})
	assert.False(t, failed.Success)
}
