package types

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/gorm/clause"
)

type CommonFilterOperator string

const (
	CommonFilterOperatorEq        CommonFilterOperator = "eq"
	CommonFilterOperatorNotEq     CommonFilterOperator = "not_eq"
	CommonFilterOperatorLt        CommonFilterOperator = "lt"
	CommonFilterOperatorLte       CommonFilterOperator = "lte"
	CommonFilterOperatorGt        CommonFilterOperator = "gt"
	CommonFilterOperatorGte       CommonFilterOperator = "gte"
	CommonFilterOperatorDateRange CommonFilterOperator = "date_range"
	CommonFilterOperatorRange     CommonFilterOperator = "range"
	CommonFilterOperatorIn        CommonFilterOperator = "in"
	CommonFilterOperatorIsNull    CommonFilterOperator = "is_null"
)

// CommonFilter is a single column predicate. A filter without a field combines its
// nested Filters with OR.
type CommonFilter struct {
	Field    string               `json:"field"`
	Operator CommonFilterOperator `json:"operator"`
	Values   []any                `json:"values"`
	Filters  []CommonFilter       `json:"filters"`
}

// Build constructs a GORM expression.
func (f *CommonFilter) Build(builder clause.Builder) {
	if f.Field == "" && len(f.Filters) > 0 {
		exprs := make([]clause.Expression, 0, len(f.Filters))
		for i := range f.Filters {
			exprs = append(exprs, &f.Filters[i])
		}
		clause.Or(exprs...).Build(builder)
		return
	}

	if f.Operator == CommonFilterOperatorIsNull {
		clause.Eq{Column: f.Field, Value: nil}.Build(builder)
		return
	}

	if len(f.Values) == 0 {
		builder.WriteString("1=1")
		return
	}

	value := f.Values[0]

	switch f.Operator {
	case CommonFilterOperatorEq:
		clause.Eq{Column: f.Field, Value: value}.Build(builder)
	case CommonFilterOperatorNotEq:
		clause.Neq{Column: f.Field, Value: value}.Build(builder)
	case CommonFilterOperatorLt:
		clause.Lt{Column: f.Field, Value: value}.Build(builder)
	case CommonFilterOperatorLte:
		clause.Lte{Column: f.Field, Value: value}.Build(builder)
	case CommonFilterOperatorGt:
		clause.Gt{Column: f.Field, Value: value}.Build(builder)
	case CommonFilterOperatorGte:
		clause.Gte{Column: f.Field, Value: value}.Build(builder)
	case CommonFilterOperatorRange, CommonFilterOperatorDateRange:
		if len(f.Values) < 2 {
			clause.Gte{Column: f.Field, Value: value}.Build(builder)
			return
		}
		// date_range is half-open so consecutive ranges do not overlap
		upper := clause.Expression(clause.Lte{Column: f.Field, Value: f.Values[1]})
		if f.Operator == CommonFilterOperatorDateRange {
			upper = clause.Lt{Column: f.Field, Value: f.Values[1]}
		}
		clause.And(clause.Gte{Column: f.Field, Value: value}, upper).Build(builder)
	case CommonFilterOperatorIn:
		clause.IN{Column: f.Field, Values: f.Values}.Build(builder)
	default:
		builder.WriteString("1=1")
	}
}

// Validate checks the filter tree only references allowed columns.
func (f *CommonFilter) Validate(allowed mapset.Set[string]) error {
	if f.Field == "" {
		if len(f.Filters) == 0 {
			return fmt.Errorf("filter without field")
		}
		for i := range f.Filters {
			if err := f.Filters[i].Validate(allowed); err != nil {
				return err
			}
		}
		return nil
	}
	if !allowed.Contains(f.Field) {
		return fmt.Errorf("filter on unsupported field %q", f.Field)
	}
	return nil
}

// FiltersAnd combines multiple CommonFilter into a single clause.Expression.
type FiltersAnd []*CommonFilter

func (w FiltersAnd) Build(builder clause.Builder) {
	if len(w) == 0 {
		builder.WriteString("1=1")
		return
	}
	exprs := make([]clause.Expression, 0, len(w))
	for _, f := range w {
		exprs = append(exprs, f)
	}
	clause.And(exprs...).Build(builder)
}

// ScanRequest is the paginated admin listing request shared by all list endpoints.
type ScanRequest struct {
	Filters   []*CommonFilter `json:"filters"`
	From      int             `json:"from"`
	Size      int             `json:"size"`
	SortBy    string          `json:"sort_by"`
	SortOrder string          `json:"sort_order" binding:"omitempty,oneof=asc desc"`
}

// Normalize applies pagination defaults and checks every referenced column.
func (r *ScanRequest) Normalize(allowed mapset.Set[string]) error {
	if r.Size <= 0 {
		r.Size = 10
	}
	if r.Size > 500 {
		r.Size = 500
	}
	if r.From < 0 {
		r.From = 0
	}
	for _, f := range r.Filters {
		if f == nil {
			return fmt.Errorf("nil filter")
		}
		if err := f.Validate(allowed); err != nil {
			return err
		}
	}
	if r.SortBy != "" && !allowed.Contains(r.SortBy) {
		return fmt.Errorf("sort on unsupported field %q", r.SortBy)
	}
	return nil
}
