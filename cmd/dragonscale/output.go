package main

import (
	"encoding/json"
	"io"

	dragonscale "github.com/ZanzyTHEbar/dragonscale-adaptive"
)

// report is what run and exec print.
type report struct {
	Result  *dragonscale.ExecutionResult `json:"result"`
	Metrics map[string]int64             `json:"metrics,omitempty"`
	History []dragonscale.HistoryEvent   `json:"history,omitempty"`
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newReport(result *dragonscale.ExecutionResult, ectx *dragonscale.ExecutionContext, withHistory bool) report {
	r := report{Result: result}
	if ectx != nil {
		r.Metrics = ectx.Metrics()
		if withHistory {
			r.History = ectx.History()
		}
	}
	return r
}
