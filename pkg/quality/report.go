// Package quality grades a skull-stripped volume against quantitative
// acceptance thresholds and produces a versioned, JSON-serializable
// report. Assessment is a pure function of (extracted volume, mask,
// spacing): identical inputs yield identical reports.
package quality

import (
	"fmt"
	"strings"
)

// SchemaVersion identifies the report layout so historical reports remain
// interpretable after threshold or metric-set changes.
const SchemaVersion = 1

// Status is the outcome of a single check or of the whole report.
type Status string

const (
	// Pass means the metric is inside its acceptance band.
	Pass Status = "PASS"
	// Fail means the metric violated its threshold.
	Fail Status = "FAIL"
	// Info marks metrics recorded without a pass/fail threshold.
	Info Status = "INFO"
)

// Metric is one scored measurement.
type Metric struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Threshold string  `json:"threshold,omitempty"`
	Status    Status  `json:"status"`
}

// IntensityStats summarizes intensities inside the mask. Informational:
// no pass/fail threshold by default.
type IntensityStats struct {
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
	Q25    float64 `json:"q25"`
	Q75    float64 `json:"q75"`
}

// ComponentDetail records the connected-component breakdown behind the
// component-count metric.
type ComponentDetail struct {
	Count           int     `json:"count"`
	LargestVoxels   int     `json:"largest_voxels"`
	LargestFraction float64 `json:"largest_fraction"`
}

// OverlapMetrics compares the extracted mask against a ground-truth mask.
type OverlapMetrics struct {
	Dice        float64 `json:"dice"`
	Jaccard     float64 `json:"jaccard"`
	Sensitivity float64 `json:"sensitivity"`
	Specificity float64 `json:"specificity"`
	Precision   float64 `json:"precision"`
}

// Report is the full quality assessment record.
type Report struct {
	SchemaVersion int             `json:"schema_version"`
	Metrics       []Metric        `json:"metrics"`
	Intensity     IntensityStats  `json:"intensity"`
	Components    ComponentDetail `json:"components"`
	Overlap       *OverlapMetrics `json:"overlap,omitempty"`

	// MutualInformation is set when a reference image was supplied.
	MutualInformation *float64 `json:"mutual_information,omitempty"`
	Aggregate         Status   `json:"aggregate"`
}

// Passed reports whether the aggregate status is PASS.
func (r *Report) Passed() bool {
	return r.Aggregate == Pass
}

// Render writes the report as human-readable text, mirroring the
// structure of the JSON record.
func (r *Report) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "QUALITY ASSESSMENT REPORT (schema v%d)\n", r.SchemaVersion)
	b.WriteString(strings.Repeat("=", 60) + "\n")
	for i, m := range r.Metrics {
		fmt.Fprintf(&b, "%d. %s: %.4f %s\n", i+1, m.Name, m.Value, m.Unit)
		if m.Threshold != "" {
			fmt.Fprintf(&b, "   Expected: %s\n", m.Threshold)
		}
		fmt.Fprintf(&b, "   Status: %s\n", m.Status)
	}
	fmt.Fprintf(&b, "Intensity: mean=%.2f std=%.2f range=[%.2f, %.2f] median=%.2f\n",
		r.Intensity.Mean, r.Intensity.Std, r.Intensity.Min, r.Intensity.Max, r.Intensity.Median)
	fmt.Fprintf(&b, "Largest component: %.1f%% of mask\n", r.Components.LargestFraction*100)
	if r.Overlap != nil {
		fmt.Fprintf(&b, "Dice: %.4f  Jaccard: %.4f  Sensitivity: %.4f  Precision: %.4f\n",
			r.Overlap.Dice, r.Overlap.Jaccard, r.Overlap.Sensitivity, r.Overlap.Precision)
	}
	if r.MutualInformation != nil {
		fmt.Fprintf(&b, "Normalized mutual information: %.4f\n", *r.MutualInformation)
	}
	b.WriteString(strings.Repeat("-", 60) + "\n")
	fmt.Fprintf(&b, "Overall: %s\n", r.Aggregate)
	return b.String()
}
