package naverapi

import (
	"bytes"
	"strconv"
	"strings"
)

// lessThanCollapse replaces "less-than" markers in upstream numeric fields.
// The service reports "< 10" when the real value is small but nonzero;
// collapsing to zero would wrongly drop those candidates.
const lessThanCollapse = 5

// FlexCount decodes upstream numeric fields that may arrive as a number or
// as a "less-than-N" string sentinel.
type FlexCount int

// UnmarshalJSON parses numbers, numeric strings and "< N" sentinels.
// Unparseable values collapse to zero.
func (f *FlexCount) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(bytes.Trim(data, `"`)))
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	if strings.Contains(s, "<") {
		*f = lessThanCollapse
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = FlexCount(n)
	return nil
}

// Int returns the decoded value.
func (f FlexCount) Int() int {
	return int(f)
}

// FlexFloat is FlexCount for fractional fields (clicks, CTR).
type FlexFloat float64

// UnmarshalJSON parses numbers, numeric strings and "< N" sentinels.
func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(bytes.Trim(data, `"`)))
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	if strings.Contains(s, "<") {
		*f = lessThanCollapse
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = FlexFloat(n)
	return nil
}

// Float returns the decoded value.
func (f FlexFloat) Float() float64 {
	return float64(f)
}
