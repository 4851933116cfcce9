package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenCRM-Dialog/internal/catalog"
	"OpenCRM-Dialog/internal/session"
)

func TestTrackUnwrapsEnvelopeAndPromotesFocus(t *testing.T) {
	sess := session.New("u1", "c1")
	tracked := Track(sess, catalog.DomainContact, map[string]any{
		"data": map[string]any{"id": "c-1", "name": "Jane Smith", "email": "jane@x.com"},
	})

	require.Len(t, tracked, 1)
	require.NotNil(t, sess.Focus)
	assert.Equal(t, session.KindContact, sess.Focus.Kind)
	assert.Equal(t, "c-1", sess.Focus.ID)
	assert.Equal(t, "jane@x.com", sess.Focus.Metadata["email"])

	recent, ok := sess.MostRecent(session.KindContact)
	require.True(t, ok)
	assert.Equal(t, "Jane Smith", recent.Label)
}

func TestTrackRequiresIDAndLabel(t *testing.T) {
	sess := session.New("u1", "c1")
	assert.Empty(t, Track(sess, catalog.DomainContact, map[string]any{"name": "No Id"}))
	assert.Empty(t, Track(sess, catalog.DomainContact, map[string]any{"id": "c-9"}))
	assert.Nil(t, sess.Focus)
}

func TestTrackNestedEntitiesKeepPrimaryFocus(t *testing.T) {
	sess := session.New("u1", "c1")
	tracked := Track(sess, catalog.DomainProperty, map[string]any{
		"property": map[string]any{"propertyId": "p-1", "address": "12 Fake Street"},
		"contact":  map[string]any{"contactId": "c-7", "firstName": "Ann", "lastName": "Lee"},
	})

	require.Len(t, tracked, 2)
	assert.Equal(t, session.KindContact, tracked[0].Kind)
	assert.Equal(t, "Ann Lee", tracked[0].Label)
	assert.Equal(t, session.KindProperty, sess.Focus.Kind)
	assert.Equal(t, "p-1", sess.Focus.ID)
	assert.True(t, sess.HasRecent(session.KindContact))
}

func TestTrackSearchResults(t *testing.T) {
	sess := session.New("u1", "c1")
	Track(sess, catalog.DomainContact, map[string]any{
		"results": []any{
			map[string]any{"id": "c-1", "name": "John Smith"},
			map[string]any{"id": "c-2", "name": "John Smithers"},
		},
	})
	assert.Nil(t, sess.Focus, "multiple results must not pick a focus")
	recent, _ := sess.MostRecent(session.KindContact)
	assert.Equal(t, "c-1", recent.ID)

	Track(sess, catalog.DomainContact, map[string]any{
		"results": []any{map[string]any{"id": "c-2", "name": "John Smithers"}},
	})
	require.NotNil(t, sess.Focus)
	assert.Equal(t, "c-2", sess.Focus.ID)
}

func TestTrackUnknownDomainOnlyNested(t *testing.T) {
	sess := session.New("u1", "c1")
	tracked := Track(sess, catalog.DomainEmail, map[string]any{
		"id":      "m-1",
		"summary": "sent",
		"contact": map[string]any{"id": "c-3", "name": "Bo Diddley"},
	})
	require.Len(t, tracked, 1)
	assert.Equal(t, "c-3", sess.Focus.ID)
}
