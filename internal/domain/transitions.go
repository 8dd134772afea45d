package domain

type Transition struct {
	From JobStatus
	To   JobStatus
}

var ValidTransitions = []Transition{
	{From: JobStatusScheduled, To: JobStatusQueued},
	{From: JobStatusScheduled, To: JobStatusStarted},
	{From: JobStatusQueued, To: JobStatusStarted},
	{From: JobStatusStarted, To: JobStatusFinished},
	{From: JobStatusStarted, To: JobStatusFailed},
	{From: JobStatusPendingInFlow, To: JobStatusQueued},
	{From: JobStatusFailed, To: JobStatusQueued},
}

func IsValidTransition(from, to JobStatus) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}
