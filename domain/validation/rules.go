package validation

import "fmt"

// PropertySchema declares the properties a Component kind must carry: a
// required key name mapped to the Go type its value must satisfy ("string",
// "float64", "bool", "int").
type PropertySchema map[string]map[string]string

// PropertySchemaRule enforces that every Component's kind, if it has a
// declared schema, carries all required property keys with the declared type.
type PropertySchemaRule struct {
	schema   PropertySchema
	severity Severity
}

// NewPropertySchemaRule builds a rule from a kind -> (property name -> type) schema.
func NewPropertySchemaRule(schema PropertySchema, severity Severity) *PropertySchemaRule {
	return &PropertySchemaRule{schema: schema, severity: severity}
}

func (r *PropertySchemaRule) ID() string          { return "property-schema" }
func (r *PropertySchemaRule) Description() string { return "components declare required properties of the correct type for their kind" }
func (r *PropertySchemaRule) Severity() Severity  { return r.severity }

func (r *PropertySchemaRule) Check(ctx Context) []Finding {
	var findings []Finding
	for _, c := range ctx.Components() {
		required, ok := r.schema[c.Kind()]
		if !ok {
			continue
		}
		props := c.Properties()
		for key, wantType := range required {
			value, present := props[key]
			if !present {
				findings = append(findings, Finding{
					RuleID:   r.ID(),
					Severity: r.severity,
					Message:  fmt.Sprintf("component %s (%s) is missing required property %q", c.ID(), c.Kind(), key),
					Details:  map[string]interface{}{"component_id": c.ID(), "property": key},
				})
				continue
			}
			if !matchesType(value, wantType) {
				findings = append(findings, Finding{
					RuleID:   r.ID(),
					Severity: r.severity,
					Message:  fmt.Sprintf("component %s property %q has wrong type, want %s", c.ID(), key, wantType),
					Details:  map[string]interface{}{"component_id": c.ID(), "property": key, "want_type": wantType},
				})
			}
		}
	}
	return findings
}

func matchesType(value interface{}, wantType string) bool {
	switch wantType {
	case "string":
		_, ok := value.(string)
		return ok
	case "float64":
		_, ok := value.(float64)
		return ok
	case "int":
		_, ok := value.(int)
		return ok
	case "bool":
		_, ok := value.(bool)
		return ok
	default:
		return true
	}
}

// WeightBounds declares the inclusive [min, max] weight range allowed for a
// relationship kind.
type WeightBounds map[string][2]float64

// WeightBoundsRule enforces per-relationship-kind weight bounds.
type WeightBoundsRule struct {
	bounds   WeightBounds
	severity Severity
}

// NewWeightBoundsRule builds a rule from a relationship kind -> [min, max] map.
func NewWeightBoundsRule(bounds WeightBounds, severity Severity) *WeightBoundsRule {
	return &WeightBoundsRule{bounds: bounds, severity: severity}
}

func (r *WeightBoundsRule) ID() string          { return "weight-bounds" }
func (r *WeightBoundsRule) Description() string { return "relationship weights fall within the configured bounds for their kind" }
func (r *WeightBoundsRule) Severity() Severity  { return r.severity }

func (r *WeightBoundsRule) Check(ctx Context) []Finding {
	var findings []Finding
	for _, rel := range ctx.Relationships() {
		bounds, ok := r.bounds[rel.Kind()]
		if !ok {
			continue
		}
		if rel.Weight() < bounds[0] || rel.Weight() > bounds[1] {
			findings = append(findings, Finding{
				RuleID:   r.ID(),
				Severity: r.severity,
				Message:  fmt.Sprintf("relationship %s weight %g is outside [%g, %g] for kind %s", rel.ID(), rel.Weight(), bounds[0], bounds[1], rel.Kind()),
				Details:  map[string]interface{}{"relationship_id": rel.ID(), "weight": rel.Weight(), "min": bounds[0], "max": bounds[1]},
			})
		}
	}
	return findings
}
