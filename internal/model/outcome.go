package model

import (
	"fmt"
	"time"
)

// CostReport is the cost of one model's aggregated usage. Err is set when the
// cost could not be computed; Cost is meaningless in that case.
type CostReport struct {
	Model      string
	PricedAs   string
	Usage      ModelUsage
	Cost       float64
	PromptRate float64
	OutputRate float64
	RateUnit   int
	Err        error
}

// Priced reports whether a cost was computed.
func (r CostReport) Priced() bool {
	return r.Err == nil
}

// ChildExit describes how the monitored program terminated.
type ChildExit struct {
	Code   int
	Signal string
	Exited bool
}

func (c ChildExit) String() string {
	switch {
	case c.Signal != "":
		return "killed by " + c.Signal
	case !c.Exited:
		return "did not exit"
	default:
		return fmt.Sprintf("exit status %d", c.Code)
	}
}

// Outcome is the result of a monitoring session handed to the reporter.
type Outcome struct {
	Invocation  Invocation
	Started     time.Time
	Ended       time.Time
	Interrupted bool
	Child       ChildExit

	Snapshot      Aggregate
	Reports       []CostReport
	PricingSource string

	// TotalCost sums the reports that could be priced.
	TotalCost float64
	// Unpriced counts reports whose model had no pricing entry.
	Unpriced int
}

// NoCalls reports whether no usage-bearing exchange was observed.
func (o Outcome) NoCalls() bool {
	return len(o.Snapshot) == 0
}
