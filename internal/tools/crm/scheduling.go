package crm

import (
	"context"
	"time"

	"OpenCRM-Dialog/internal/catalog"
	"OpenCRM-Dialog/internal/directory"
	"OpenCRM-Dialog/internal/session"
)

func (t *Toolkit) schedulingTools() []*catalog.Descriptor {
	links := []catalog.Field{
		text("contactId", "Related contact"),
		text("contactName", "Related contact name when the id is unknown"),
		text("propertyId", "Related property"),
		text("propertyAddress", "Related property address when the id is unknown"),
	}

	return []*catalog.Descriptor{
		{
			Name:        "task.create",
			Domain:      catalog.DomainTask,
			Description: "Create a task or reminder",
			Schema: catalog.Schema{
				Required: []catalog.Field{text("title", "What needs to be done")},
				Optional: append([]catalog.Field{
					rule(text("dueDate", "Due date as YYYY-MM-DD"), "datetime=2006-01-02"),
					text("description", "Details"),
				}, links...),
			},
			RecommendedFields: []string{"dueDate"},
			DisplayField:      "title",
			RequiresApproval:  true,
			DirectCreate:      true,
			Execute:           t.createTask,
		},
		{
			Name:        "calendar.create_event",
			Domain:      catalog.DomainCalendar,
			Description: "Book a meeting, showing or appointment",
			Schema: catalog.Schema{
				Required: []catalog.Field{
					text("summary", "Title of the event"),
					rule(text("startTime", "Start time in RFC 3339 format"), "datetime=2006-01-02T15:04:05Z07:00"),
				},
				Optional: append([]catalog.Field{
					rule(catalog.Field{Name: "durationMinutes", Type: catalog.TypeNumber, Description: "Length in minutes"}, "numeric"),
					text("location", "Where the event takes place"),
					text("description", "Details"),
				}, links...),
			},
			RecommendedFields:    []string{"contactId"},
			DisplayField:         "summary",
			RequiresApproval:     true,
			DirectCreate:         true,
			ConfirmationTemplate: "Shall I book \"{summary}\" at {startTime}?",
			Execute:              t.createEvent,
		},
	}
}

func (t *Toolkit) createTask(ctx context.Context, args map[string]any, tc catalog.Context) (*catalog.Result, error) {
	title := str(args, "title")
	if title == "" {
		return failure("I need a title for the task."), nil
	}
	fields := copyFields(args, "dueDate", "description", "contactId", "propertyId")
	fields["status"] = "open"
	record := &directory.Record{OwnerID: tc.UserID, Kind: session.KindTask, Display: title, Fields: fields}
	if err := t.dir.Create(ctx, record); err != nil {
		return nil, err
	}
	result := success(session.KindTask, record)
	t.attach(ctx, tc, result.Data, session.KindContact, str(args, "contactId"))
	t.attach(ctx, tc, result.Data, session.KindProperty, str(args, "propertyId"))
	return result, nil
}

func (t *Toolkit) createEvent(ctx context.Context, args map[string]any, tc catalog.Context) (*catalog.Result, error) {
	summary := str(args, "summary")
	start, err := time.Parse(time.RFC3339, str(args, "startTime"))
	if summary == "" || err != nil {
		return failure("I need a title and a valid start time to book the event."), nil
	}
	fields := copyFields(args, "durationMinutes", "location", "description", "contactId", "propertyId")
	fields["startTime"] = start.Format(time.RFC3339)
	record := &directory.Record{OwnerID: tc.UserID, Kind: session.KindEvent, Display: summary, Fields: fields}
	if err := t.dir.Create(ctx, record); err != nil {
		return nil, err
	}
	result := success(session.KindEvent, record)
	t.attach(ctx, tc, result.Data, session.KindContact, str(args, "contactId"))
	t.attach(ctx, tc, result.Data, session.KindProperty, str(args, "propertyId"))
	return result, nil
}
