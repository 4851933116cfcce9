package crm

import (
	"context"

	"OpenCRM-Dialog/internal/catalog"
	"OpenCRM-Dialog/internal/directory"
	"OpenCRM-Dialog/internal/session"
)

// 交易阶段。
var dealStages = "oneof=lead qualified offer under_contract closed lost"

func (t *Toolkit) dealTools() []*catalog.Descriptor {
	amount := rule(catalog.Field{Name: "amount", Type: catalog.TypeNumber, Description: "Deal value"}, "numeric")
	stage := rule(text("stage", "Pipeline stage: lead, qualified, offer, under_contract, closed or lost"), dealStages)

	return []*catalog.Descriptor{
		{
			Name:        "deal.create",
			Domain:      catalog.DomainDeal,
			Description: "Open a new deal in the pipeline",
			Schema: catalog.Schema{
				Required: []catalog.Field{text("dealName", "Short name for the deal")},
				Optional: []catalog.Field{
					amount, stage,
					text("contactId", "Contact on the deal"),
					text("contactName", "Contact name when the id is unknown"),
					text("propertyId", "Property on the deal"),
					text("propertyAddress", "Property address when the id is unknown"),
				},
			},
			RecommendedFields: []string{"contactId", "amount"},
			DisplayField:      "dealName",
			RequiresApproval:  true,
			DirectCreate:      true,
			Execute:           t.createDeal,
		},
		{
			Name:        "deal.update",
			Domain:      catalog.DomainDeal,
			Description: "Move a deal to another stage or change its value",
			Schema: catalog.Schema{
				Required: []catalog.Field{text("dealId", "Identifier of the deal")},
				Optional: []catalog.Field{text("dealName", "Deal name when the id is unknown"), amount, stage},
			},
			RequiresApproval: true,
			Execute:          t.updateDeal,
		},
	}
}

func (t *Toolkit) createDeal(ctx context.Context, args map[string]any, tc catalog.Context) (*catalog.Result, error) {
	name := str(args, "dealName")
	if name == "" {
		return failure("I need a name to open a deal."), nil
	}
	fields := copyFields(args, "amount", "stage", "contactId", "propertyId")
	if _, ok := fields["stage"]; !ok {
		fields["stage"] = "lead"
	}
	record := &directory.Record{OwnerID: tc.UserID, Kind: session.KindDeal, Display: name, Fields: fields}
	if err := t.dir.Create(ctx, record); err != nil {
		return nil, err
	}
	result := success(session.KindDeal, record)
	t.attach(ctx, tc, result.Data, session.KindContact, str(args, "contactId"))
	t.attach(ctx, tc, result.Data, session.KindProperty, str(args, "propertyId"))
	return result, nil
}

func (t *Toolkit) updateDeal(ctx context.Context, args map[string]any, tc catalog.Context) (*catalog.Result, error) {
	existing, miss, err := t.lookup(ctx, tc, session.KindDeal, str(args, "dealId"))
	if existing == nil {
		return miss, err
	}
	record := &directory.Record{ID: existing.ID, OwnerID: tc.UserID, Fields: copyFields(args, "amount", "stage")}
	if err := t.dir.Update(ctx, record); err != nil {
		return nil, err
	}
	return success(session.KindDeal, record), nil
}
