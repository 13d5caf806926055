package domain

// CodeRange is an inclusive numeric range of HTTP response codes.
type CodeRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// IntRange is an inclusive numeric range; nil bounds are open.
type IntRange struct {
	Min *int `json:"min,omitempty"`
	Max *int `json:"max,omitempty"`
}

// TimeRange bounds the record ingest timestamp, epoch ms inclusive.
type TimeRange struct {
	FromMs int64 `json:"from_ms"`
	ToMs   int64 `json:"to_ms"`
}

// DeliveryFilter is the closed set of predicates the record store supports,
// composed by conjunction. Zero values mean "no constraint".
type DeliveryFilter struct {
	Statuses           []DeliveryStatus `json:"statuses,omitempty"`
	TimeRange          *TimeRange       `json:"time_range,omitempty"`
	ResponseCodes      []int            `json:"response_codes,omitempty"`
	ResponseCodeRanges []CodeRange      `json:"response_code_ranges,omitempty"`
	Duration           *IntRange        `json:"duration,omitempty"`
	Attempts           *IntRange        `json:"attempts,omitempty"`
	HasError           *bool            `json:"has_error,omitempty"`
	Search             string           `json:"search,omitempty"`
	IncludeArchived    bool             `json:"include_archived,omitempty"`
}

// Validate rejects filter values the store cannot express.
func (f *DeliveryFilter) Validate() error {
	for _, s := range f.Statuses {
		if !s.Valid() {
			return Validationf("unknown status %q", s)
		}
	}
	for _, r := range f.ResponseCodeRanges {
		if r.From > r.To {
			return Validationf("response code range [%d, %d] is inverted", r.From, r.To)
		}
	}
	if f.TimeRange != nil && f.TimeRange.ToMs != 0 && f.TimeRange.FromMs > f.TimeRange.ToMs {
		return Validationf("time range is inverted")
	}
	return nil
}
