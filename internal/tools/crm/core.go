package crm

import (
	"context"
	"fmt"
	"time"

	"OpenCRM-Dialog/internal/catalog"
	"OpenCRM-Dialog/internal/directory"
	"OpenCRM-Dialog/internal/session"
)

func (t *Toolkit) coreTools() []*catalog.Descriptor {
	return []*catalog.Descriptor{
		{
			Name:        "core.current_time",
			Domain:      catalog.DomainCore,
			Description: "Get the current date and time, optionally in an IANA time zone",
			Schema:      catalog.Schema{Optional: []catalog.Field{text("timezone", "IANA time zone such as America/New_York")}},
			Execute:     t.currentTime,
		},
		{
			Name:        "note.append",
			Domain:      catalog.DomainCore,
			Description: "Append a note to a contact, property or deal",
			Schema: catalog.Schema{
				Required: []catalog.Field{text("note", "The note text")},
				Optional: []catalog.Field{
					text("contactId", "Contact to attach the note to"),
					text("contactName", "Contact name when the id is unknown"),
					text("propertyId", "Property to attach the note to"),
					text("propertyAddress", "Property address when the id is unknown"),
					text("dealId", "Deal to attach the note to"),
				},
			},
			Execute: t.appendNote,
		},
	}
}

func (t *Toolkit) currentTime(_ context.Context, args map[string]any, _ catalog.Context) (*catalog.Result, error) {
	now := t.now()
	if zone := str(args, "timezone"); zone != "" {
		loc, err := time.LoadLocation(zone)
		if err != nil {
			return failure(fmt.Sprintf("I don't recognise the time zone %q.", zone)), nil
		}
		now = now.In(loc)
	}
	return &catalog.Result{Success: true, Data: map[string]any{
		"now":      now.Format(time.RFC3339),
		"date":     now.Format("2006-01-02"),
		"weekday":  now.Weekday().String(),
		"timezone": now.Location().String(),
	}}, nil
}

var noteTargets = []struct {
	field string
	kind  session.EntityKind
}{
	{"contactId", session.KindContact},
	{"propertyId", session.KindProperty},
	{"dealId", session.KindDeal},
}

func (t *Toolkit) appendNote(ctx context.Context, args map[string]any, tc catalog.Context) (*catalog.Result, error) {
	note := str(args, "note")
	if note == "" {
		return failure("The note is empty."), nil
	}
	for _, target := range noteTargets {
		id := str(args, target.field)
		if id == "" {
			continue
		}
		existing, miss, err := t.lookup(ctx, tc, target.kind, id)
		if existing == nil {
			return miss, err
		}
		var notes []any
		if current, ok := existing.Fields["notes"].([]any); ok {
			notes = append(notes, current...)
		}
		notes = append(notes, map[string]any{"text": note, "at": t.now().UTC().Format(time.RFC3339)})
		record := &directory.Record{ID: existing.ID, OwnerID: tc.UserID, Fields: map[string]any{"notes": notes}}
		if err := t.dir.Update(ctx, record); err != nil {
			return nil, err
		}
		return success(target.kind, record), nil
	}
	return failure("Which contact, property or deal should I add the note to?"), nil
}
