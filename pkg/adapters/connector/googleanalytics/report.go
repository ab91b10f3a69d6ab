package googleanalytics

import (
	"strconv"

	"github.com/ekaya-inc/ekaya-connect/pkg/adapters/connector"
)

type named struct {
	Name string `json:"name"`
}

type dateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type runReportRequest struct {
	DateRanges []dateRange `json:"dateRanges"`
	Dimensions []named     `json:"dimensions,omitempty"`
	Metrics    []named     `json:"metrics"`
	Limit      int64       `json:"limit,omitempty"`
}

type header struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

type cell struct {
	Value string `json:"value"`
}

type reportRow struct {
	DimensionValues []cell `json:"dimensionValues"`
	MetricValues    []cell `json:"metricValues"`
}

type runReportResponse struct {
	DimensionHeaders []header    `json:"dimensionHeaders"`
	MetricHeaders    []header    `json:"metricHeaders"`
	Rows             []reportRow `json:"rows"`
	RowCount         int         `json:"rowCount"`
}

type metadataResponse struct {
	Name       string   `json:"name"`
	Dimensions []header `json:"dimensions"`
	Metrics    []header `json:"metrics"`
}

// toResult flattens a report into rows keyed by dimension and metric name.
// Integer and float metrics become numbers.
func (r *runReportResponse) toResult(limit int) *connector.Result {
	res := &connector.Result{Status: connector.StatusOK, Rows: make([]map[string]any, 0, len(r.Rows))}
	for _, h := range r.DimensionHeaders {
		res.Columns = append(res.Columns, connector.Column{Name: h.Name, Type: "STRING"})
	}
	for _, h := range r.MetricHeaders {
		res.Columns = append(res.Columns, connector.Column{Name: h.Name, Type: h.Type})
	}

	for _, row := range r.Rows {
		out := make(map[string]any, len(res.Columns))
		for i, h := range r.DimensionHeaders {
			if i < len(row.DimensionValues) {
				out[h.Name] = row.DimensionValues[i].Value
			}
		}
		for i, h := range r.MetricHeaders {
			if i < len(row.MetricValues) {
				out[h.Name] = metricValue(h.Type, row.MetricValues[i].Value)
			}
		}
		res.Rows = append(res.Rows, out)
	}
	res.RowCount = len(res.Rows)
	res.Truncated = r.RowCount > res.RowCount && res.RowCount >= limit
	res.Metadata = map[string]any{"total_rows": r.RowCount}
	return res
}

func metricValue(metricType, v string) any {
	switch metricType {
	case "TYPE_INTEGER":
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	case "TYPE_FLOAT", "TYPE_SECONDS", "TYPE_MILLISECONDS", "TYPE_MINUTES", "TYPE_HOURS",
		"TYPE_STANDARD", "TYPE_CURRENCY", "TYPE_FEET", "TYPE_MILES", "TYPE_METERS", "TYPE_KILOMETERS":
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return v
}
