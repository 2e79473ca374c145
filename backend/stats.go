package backend

import "github.com/stepflow/go-stepflow/workflow"

type Stats struct {
	Workflows int64

	// ByStatus counts stored workflows per status
	ByStatus map[workflow.Status]int64
}

func StatsFromSummaries(summaries []workflow.Summary) *Stats {
	s := &Stats{
		Workflows: int64(len(summaries)),
		ByStatus:  make(map[workflow.Status]int64),
	}

	for _, summary := range summaries {
		s.ByStatus[summary.Status]++
	}

	return s
}
