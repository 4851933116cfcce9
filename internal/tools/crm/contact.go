package crm

import (
	"context"
	"strings"

	"OpenCRM-Dialog/internal/catalog"
	"OpenCRM-Dialog/internal/directory"
	"OpenCRM-Dialog/internal/session"
)

func (t *Toolkit) contactTools() []*catalog.Descriptor {
	contactID := text("contactId", "Identifier of the contact")
	contactName := text("contactName", "Name of the contact when the id is unknown")
	email := rule(text("email", "Email address"), "email")
	phone := rule(text("phone", "Phone number in E.164 format"), "e164")

	return []*catalog.Descriptor{
		{
			Name:        "contact.search",
			Domain:      catalog.DomainContact,
			Description: "Search the user's contacts by name, email or phone",
			Schema:      catalog.Schema{Required: []catalog.Field{text("query", "Name, email or phone to search for")}},
			CreateTool:  "contact.create",
			Execute: func(ctx context.Context, args map[string]any, tc catalog.Context) (*catalog.Result, error) {
				return t.search(ctx, tc, session.KindContact, str(args, "query"))
			},
		},
		{
			Name:        "contact.create",
			Domain:      catalog.DomainContact,
			Description: "Create a new contact",
			Schema: catalog.Schema{
				Required: []catalog.Field{text("name", "Full name of the contact")},
				Optional: []catalog.Field{email, phone, text("company", "Company"), text("notes", "Free-form notes")},
			},
			RecommendedFields:    []string{"email", "phone"},
			DisplayField:         "name",
			RequiresApproval:     true,
			ConfirmationTemplate: "Shall I create a contact for {name}?",
			Execute:              t.createContact,
		},
		{
			Name:        "contact.update",
			Domain:      catalog.DomainContact,
			Description: "Update an existing contact",
			Schema: catalog.Schema{
				Required: []catalog.Field{contactID},
				Optional: []catalog.Field{contactName, text("name", "New full name"), email, phone, text("company", "Company")},
			},
			RequiresApproval: true,
			Execute:          t.updateContact,
		},
		{
			Name:                 "contact.delete",
			Domain:               catalog.DomainContact,
			Description:          "Delete a contact permanently",
			Schema:               catalog.Schema{Required: []catalog.Field{contactID}, Optional: []catalog.Field{contactName}},
			RequiresApproval:     true,
			ConfirmationTemplate: "This will permanently delete the contact. Are you sure?",
			Execute: func(ctx context.Context, args map[string]any, tc catalog.Context) (*catalog.Result, error) {
				return t.deleteRecord(ctx, tc, session.KindContact, str(args, "contactId"))
			},
		},
	}
}

func (t *Toolkit) createContact(ctx context.Context, args map[string]any, tc catalog.Context) (*catalog.Result, error) {
	name := str(args, "name")
	if name == "" {
		return failure("I need a name to create a contact."), nil
	}
	fields := copyFields(args, "company", "notes")
	parts := strings.Fields(name)
	fields["firstName"] = parts[0]
	if len(parts) > 1 {
		fields["lastName"] = strings.Join(parts[1:], " ")
	}
	record := &directory.Record{
		OwnerID: tc.UserID,
		Kind:    session.KindContact,
		Display: name,
		Email:   str(args, "email"),
		Phone:   str(args, "phone"),
		Fields:  fields,
	}
	if err := t.dir.Create(ctx, record); err != nil {
		return nil, err
	}
	return success(session.KindContact, record), nil
}

func (t *Toolkit) updateContact(ctx context.Context, args map[string]any, tc catalog.Context) (*catalog.Result, error) {
	existing, miss, err := t.lookup(ctx, tc, session.KindContact, str(args, "contactId"))
	if existing == nil {
		return miss, err
	}
	record := &directory.Record{
		ID:      existing.ID,
		OwnerID: tc.UserID,
		Display: str(args, "name"),
		Email:   str(args, "email"),
		Phone:   str(args, "phone"),
		Fields:  copyFields(args, "company"),
	}
	if err := t.dir.Update(ctx, record); err != nil {
		return nil, err
	}
	return success(session.KindContact, record), nil
}

func (t *Toolkit) deleteRecord(ctx context.Context, tc catalog.Context, kind session.EntityKind, id string) (*catalog.Result, error) {
	existing, miss, err := t.lookup(ctx, tc, kind, id)
	if existing == nil {
		return miss, err
	}
	if err := t.dir.Delete(ctx, tc.UserID, existing.ID); err != nil {
		return nil, err
	}
	return &catalog.Result{Success: true, Data: map[string]any{"deleted": true, "id": existing.ID, "label": existing.Display}}, nil
}
