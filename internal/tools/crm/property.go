package crm

import (
	"context"

	"OpenCRM-Dialog/internal/catalog"
	"OpenCRM-Dialog/internal/directory"
	"OpenCRM-Dialog/internal/session"
)

func (t *Toolkit) propertyTools() []*catalog.Descriptor {
	price := rule(catalog.Field{Name: "price", Type: catalog.TypeNumber, Description: "Listing price"}, "numeric")
	bedrooms := rule(catalog.Field{Name: "bedrooms", Type: catalog.TypeNumber, Description: "Number of bedrooms"}, "numeric")

	return []*catalog.Descriptor{
		{
			Name:        "property.search",
			Domain:      catalog.DomainProperty,
			Description: "Search the user's properties by address",
			Schema:      catalog.Schema{Required: []catalog.Field{text("query", "Address or part of it")}},
			CreateTool:  "property.create",
			Execute: func(ctx context.Context, args map[string]any, tc catalog.Context) (*catalog.Result, error) {
				return t.search(ctx, tc, session.KindProperty, str(args, "query"))
			},
		},
		{
			Name:        "property.create",
			Domain:      catalog.DomainProperty,
			Description: "Add a property listing",
			Schema: catalog.Schema{
				Required: []catalog.Field{text("address", "Street address")},
				Optional: []catalog.Field{
					price, bedrooms,
					text("city", "City"),
					text("contactId", "Owner contact id"),
					text("contactName", "Owner contact name when the id is unknown"),
				},
			},
			RecommendedFields:    []string{"price"},
			DisplayField:         "address",
			RequiresApproval:     true,
			DirectCreate:         true,
			ConfirmationTemplate: "Shall I add the property at {address}?",
			Execute:              t.createProperty,
		},
		{
			Name:        "property.update",
			Domain:      catalog.DomainProperty,
			Description: "Update a property listing",
			Schema: catalog.Schema{
				Required: []catalog.Field{text("propertyId", "Identifier of the property")},
				Optional: []catalog.Field{
					text("propertyAddress", "Address when the id is unknown"),
					price, bedrooms,
					text("status", "Listing status such as active, pending or sold"),
				},
			},
			Execute: t.updateProperty,
		},
	}
}

func (t *Toolkit) createProperty(ctx context.Context, args map[string]any, tc catalog.Context) (*catalog.Result, error) {
	address := str(args, "address")
	if address == "" {
		return failure("I need an address to add a property."), nil
	}
	fields := copyFields(args, "price", "bedrooms", "city", "contactId")
	if _, ok := fields["status"]; !ok {
		fields["status"] = "active"
	}
	record := &directory.Record{
		OwnerID: tc.UserID,
		Kind:    session.KindProperty,
		Display: address,
		Fields:  fields,
	}
	if err := t.dir.Create(ctx, record); err != nil {
		return nil, err
	}
	result := success(session.KindProperty, record)
	t.attach(ctx, tc, result.Data, session.KindContact, str(args, "contactId"))
	return result, nil
}

func (t *Toolkit) updateProperty(ctx context.Context, args map[string]any, tc catalog.Context) (*catalog.Result, error) {
	existing, miss, err := t.lookup(ctx, tc, session.KindProperty, str(args, "propertyId"))
	if existing == nil {
		return miss, err
	}
	record := &directory.Record{
		ID:      existing.ID,
		OwnerID: tc.UserID,
		Fields:  copyFields(args, "price", "bedrooms", "status"),
	}
	if err := t.dir.Update(ctx, record); err != nil {
		return nil, err
	}
	return success(session.KindProperty, record), nil
}
