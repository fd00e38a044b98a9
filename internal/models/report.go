package models

import "time"

// FlowReport is the outcome of one flow within a harvest run
type FlowReport struct {
	Flow     string        `json:"flow"`
	State    string        `json:"state"`
	WorkSet  int           `json:"work_set"`
	Fetched  int           `json:"fetched"`
	Empty    int           `json:"empty"`
	Records  int           `json:"records"`
	Key      string        `json:"key,omitempty"`
	Location string        `json:"location,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RunReport summarizes a harvest run for alert mail
type RunReport struct {
	RunID   string        `json:"run_id"`
	Started time.Time     `json:"started"`
	Flows   []*FlowReport `json:"flows"`
	Error   string        `json:"error,omitempty"`
}

func (r *RunReport) Failed() bool {
	return r.Error != ""
}

// Records is the number of records committed across all flows
func (r *RunReport) Records() int {
	total := 0
	for _, f := range r.Flows {
		if f.Key != "" {
			total += f.Records
		}
	}
	return total
}
