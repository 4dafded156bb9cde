package models

import (
	"bytes"
	"math"
	"strconv"
)

// Metric is a statistic that may be undefined. Undefined values are NaN in
// memory and null on the wire: degenerate input (single respondent, zero
// mean, no prior round) must surface as "no value", never as zero.
type Metric float64

// Undefined is the canonical undefined metric value.
func Undefined() Metric {
	return Metric(math.NaN())
}

// Defined reports whether the metric carries a value.
func (m Metric) Defined() bool {
	return !math.IsNaN(float64(m))
}

// MarshalJSON encodes undefined metrics as null.
func (m Metric) MarshalJSON() ([]byte, error) {
	if !m.Defined() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(float64(m), 'g', -1, 64)), nil
}

// UnmarshalJSON decodes null back into an undefined metric.
func (m *Metric) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*m = Undefined()
		return nil
	}
	v, err := strconv.ParseFloat(string(bytes.TrimSpace(data)), 64)
	if err != nil {
		return err
	}
	*m = Metric(v)
	return nil
}
