package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"flowdesk/internal/domain"
)

// fieldLookups are the collaborators field validation consults. Failures of
// either surface as UpstreamError, never as a field violation.
type fieldLookups struct {
	userExists       func(ctx context.Context, id string) (bool, error)
	attachmentExists func(ref string) (bool, error)
}

const dateLayout = "2006-01-02"

// validateFields checks a submission against the field schemas and collects
// every violation before returning. Values travel as strings; this is the
// only place that interprets them by type.
func validateFields(ctx context.Context, fields []domain.FieldSchema, values []domain.FieldValue, lk fieldLookups) error {
	var violations []FieldViolation
	add := func(fieldID, format string, args ...any) {
		violations = append(violations, FieldViolation{FieldID: fieldID, Message: fmt.Sprintf(format, args...)})
	}

	byID := make(map[string]domain.FieldSchema, len(fields))
	for _, f := range fields {
		byID[f.ID] = f
	}

	submitted := make(map[string]string, len(values))
	for _, v := range values {
		if _, ok := byID[v.FieldID]; !ok {
			add(v.FieldID, "unknown field")
			continue
		}
		if _, dup := submitted[v.FieldID]; dup {
			add(v.FieldID, "submitted more than once")
			continue
		}
		submitted[v.FieldID] = v.Value
	}

	for _, f := range fields {
		val := submitted[f.ID]
		if val == "" {
			if f.Required {
				add(f.ID, "required")
			}
			continue
		}

		switch f.Type {
		case domain.FieldText:
			// any string is fine
		case domain.FieldNumber:
			if _, err := strconv.ParseFloat(val, 64); err != nil {
				add(f.ID, "not a number: %q", val)
			}
		case domain.FieldDate:
			if _, err := time.Parse(dateLayout, val); err != nil {
				add(f.ID, "not a date (want %s): %q", dateLayout, val)
			}
		case domain.FieldSelect:
			ok := false
			for _, o := range f.Options {
				if o == val {
					ok = true
					break
				}
			}
			if !ok {
				add(f.ID, "value %q is not an option", val)
			}
		case domain.FieldCheckbox:
			if val != "true" && val != "false" {
				add(f.ID, "not a boolean: %q", val)
			}
		case domain.FieldFile:
			exists, err := lk.attachmentExists(val)
			if err != nil {
				return &UpstreamError{Op: "check attachment " + val, Err: err}
			}
			if !exists {
				add(f.ID, "attachment %q not found", val)
			}
		case domain.FieldAssignee:
			exists, err := lk.userExists(ctx, val)
			if err != nil {
				return &UpstreamError{Op: "check user " + val, Err: err}
			}
			if !exists {
				add(f.ID, "user %q not found", val)
			}
		}
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}
