package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenCRM-Dialog/internal/catalog"
	"OpenCRM-Dialog/internal/directory"
	xerrors "OpenCRM-Dialog/internal/errors"
	"OpenCRM-Dialog/internal/session"
)

func noop(context.Context, map[string]any, catalog.Context) (*catalog.Result, error) {
	return &catalog.Result{Success: true}, nil
}

var (
	contactUpdate = &catalog.Descriptor{
		Name: "contact.update", Domain: catalog.DomainContact, Execute: noop,
		Schema: catalog.Schema{
			Required: []catalog.Field{{Name: "contactId"}},
			Optional: []catalog.Field{{Name: "contactName"}, {Name: "email"}, {Name: "phone"}},
		},
	}
	createEvent = &catalog.Descriptor{
		Name: "calendar.create_event", Domain: catalog.DomainCalendar, Execute: noop,
		Schema: catalog.Schema{
			Required: []catalog.Field{{Name: "summary"}, {Name: "startTime"}},
			Optional: []catalog.Field{{Name: "contactId"}, {Name: "contactName"}, {Name: "propertyId"}, {Name: "propertyAddress"}},
		},
	}
)

type countingSearcher struct {
	directory.Searcher
	calls int
}

func (c *countingSearcher) Search(ctx context.Context, owner string, kind session.EntityKind, term string) ([]directory.Record, error) {
	c.calls++
	return c.Searcher.Search(ctx, owner, kind, term)
}

func smithDirectory() *directory.MemoryStore {
	return directory.NewMemoryStore(
		directory.Record{ID: "c1", OwnerID: "u1", Kind: session.KindContact, Display: "John Smith", Email: "john1@a.com"},
		directory.Record{ID: "c2", OwnerID: "u1", Kind: session.KindContact, Display: "John Smith", Email: "john2@b.com"},
		directory.Record{ID: "c3", OwnerID: "u1", Kind: session.KindContact, Display: "Jane Doe"},
		directory.Record{ID: "c4", OwnerID: "u2", Kind: session.KindContact, Display: "Jane Doe"},
	)
}

func TestAmbiguousNameNeverInjects(t *testing.T) {
	r := New(smithDirectory())
	sess := session.New("u1", "c")
	args := map[string]any{"contactName": "John Smith", "phone": "555"}

	params, err := r.Resolve(context.Background(), sess, contactUpdate, args, nil)
	require.Error(t, err)
	assert.Nil(t, params)

	var ambiguity *AmbiguityError
	require.True(t, errors.As(err, &ambiguity))
	assert.Equal(t, 2, ambiguity.Count)
	assert.Equal(t, session.KindContact, ambiguity.Kind)
	assert.Equal(t, xerrors.CodeAmbiguousReference, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "2 contacts")
	_, injected := args["contactId"]
	assert.False(t, injected, "caller arguments must not be mutated")
}

func TestAmbiguityWithSubstringOnlyMatches(t *testing.T) {
	dir := directory.NewMemoryStore(
		directory.Record{ID: "c1", OwnerID: "u1", Kind: session.KindContact, Display: "Johnny Smithers"},
		directory.Record{ID: "c2", OwnerID: "u1", Kind: session.KindContact, Display: "John Smithson"},
	)
	_, err := New(dir).Resolve(context.Background(), session.New("u1", "c"), contactUpdate,
		map[string]any{"contactName": "John Smith"}, nil)
	var ambiguity *AmbiguityError
	require.True(t, errors.As(err, &ambiguity))
}

func TestUniqueExactMatchWins(t *testing.T) {
	dir := directory.NewMemoryStore(
		directory.Record{ID: "c1", OwnerID: "u1", Kind: session.KindContact, Display: "Ann Lee"},
		directory.Record{ID: "c2", OwnerID: "u1", Kind: session.KindContact, Display: "Ann Leeson"},
	)
	params, err := New(dir).Resolve(context.Background(), session.New("u1", "c"), contactUpdate,
		map[string]any{"contactName": "ann lee"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "c1", params["contactId"])
}

func TestLookupIsScopedToUser(t *testing.T) {
	params, err := New(smithDirectory()).Resolve(context.Background(), session.New("u1", "c"), contactUpdate,
		map[string]any{"contactName": "Jane Doe"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "c3", params["contactId"])

	params, err = New(smithDirectory()).Resolve(context.Background(), session.New("u9", "c"), contactUpdate,
		map[string]any{"contactName": "Jane Doe"}, nil)
	require.NoError(t, err)
	assert.NotContains(t, params, "contactId")
}

func TestFocusAndRecencyInjection(t *testing.T) {
	sess := session.New("u1", "c")
	sess.TrackEntity(session.TrackedEntity{Kind: session.KindContact, ID: "recent-1", Label: "Old"})

	params, err := New(nil).Resolve(context.Background(), sess, contactUpdate, map[string]any{"phone": "555-0100"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "recent-1", params["contactId"])

	sess.SetFocus(&session.EntityRef{Kind: session.KindContact, ID: "focus-1"})
	params, err = New(nil).Resolve(context.Background(), sess, contactUpdate, map[string]any{"phone": "555-0100"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "focus-1", params["contactId"])
}

func TestSecondaryKindsOnlyUseFocus(t *testing.T) {
	sess := session.New("u1", "c")
	sess.TrackEntity(session.TrackedEntity{Kind: session.KindProperty, ID: "p-old", Label: "1 Elm St"})
	sess.SetFocus(&session.EntityRef{Kind: session.KindContact, ID: "c-focus"})

	params, err := New(nil).Resolve(context.Background(), sess, createEvent,
		map[string]any{"summary": "Showing", "startTime": "2026-10-20T10:00"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "c-focus", params["contactId"])
	assert.NotContains(t, params, "propertyId")
}

func TestIDNormalization(t *testing.T) {
	params, err := New(nil).Resolve(context.Background(), session.New("u1", "c"), contactUpdate,
		map[string]any{"id": "c-9", "phone": "1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "c-9", params["contactId"])
	assert.NotContains(t, params, "id")
}

func TestMisclassifiedEmailIsMovedAndUsedForLookup(t *testing.T) {
	searcher := &countingSearcher{Searcher: smithDirectory()}
	params, err := New(searcher).Resolve(context.Background(), session.New("u1", "c"), contactUpdate,
		map[string]any{"contactName": "john2@b.com"}, nil)
	require.NoError(t, err)
	assert.NotContains(t, params, "contactName")
	assert.Equal(t, "john2@b.com", params["email"])
	assert.Equal(t, "c2", params["contactId"])
	assert.Equal(t, 1, searcher.calls)
}

func TestMisclassifiedPhone(t *testing.T) {
	params, err := New(nil).Resolve(context.Background(), session.New("u1", "c"), contactUpdate,
		map[string]any{"contactName": "+1 (555) 010-0200"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "+1 (555) 010-0200", params["phone"])
	assert.NotContains(t, params, "contactName")
}

func TestWithinTurnPropagation(t *testing.T) {
	searcher := &countingSearcher{Searcher: smithDirectory()}
	turn := TurnEntities{}
	turn.Record("Jane Smith", session.KindContact, "new-1")
	turn.Record("12 Fake Street", session.KindProperty, "prop-1")

	params, err := New(searcher).Resolve(context.Background(), session.New("u1", "c"), createEvent, map[string]any{
		"summary":     "Showing of 12 fake street",
		"startTime":   "2026-10-20T10:00",
		"contactName": "Jane",
	}, turn)
	require.NoError(t, err)
	assert.Equal(t, "new-1", params["contactId"])
	assert.Equal(t, "prop-1", params["propertyId"])
	assert.Zero(t, searcher.calls, "propagated ids must skip the directory")
}

func TestSuppliedIDIsKept(t *testing.T) {
	sess := session.New("u1", "c")
	sess.SetFocus(&session.EntityRef{Kind: session.KindContact, ID: "focus-1"})
	params, err := New(smithDirectory()).Resolve(context.Background(), sess, contactUpdate,
		map[string]any{"contactId": "explicit", "contactName": "John Smith"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "explicit", params["contactId"])
}
