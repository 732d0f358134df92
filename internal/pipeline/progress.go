package pipeline

import (
	"math"
	"sync"

	"evalflow/internal/evaluation"
)

// runState is the mutable state of one Execute call.
type runState struct {
	mu          sync.Mutex
	total       int
	plan        []evaluation.StepName
	current     evaluation.StepName
	number      int
	lastOverall int
	onProgress  evaluation.ProgressFunc
}

func newRunState(plan []evaluation.StepName, onProgress evaluation.ProgressFunc) *runState {
	s := &runState{total: len(plan), plan: plan, onProgress: onProgress}
	if len(plan) > 0 {
		s.current = plan[0]
		s.number = 1
	}
	return s
}

func (s *runState) enter(step evaluation.StepName, number int) {
	s.mu.Lock()
	s.current = step
	s.number = number
	s.mu.Unlock()
}

// relabel changes the active step name without moving progress. Used for the
// deferred normalization pass, which runs inside the transcription slot.
func (s *runState) relabel(step evaluation.StepName) {
	s.mu.Lock()
	s.current = step
	s.mu.Unlock()
}

func (s *runState) active() evaluation.StepName {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// report converts step-local progress into a weighted overall value. Overall
// progress never decreases within a run.
func (s *runState) report(stepProgress int, message string) {
	if stepProgress < 0 {
		stepProgress = 0
	}
	if stepProgress > 100 {
		stepProgress = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	overall := overallProgress(s.number, s.total, stepProgress)
	if overall < s.lastOverall {
		overall = s.lastOverall
	}
	s.lastOverall = overall

	if s.onProgress == nil {
		return
	}
	s.onProgress(evaluation.Progress{
		CurrentStep:     s.current,
		StepNumber:      s.number,
		TotalSteps:      s.total,
		StepProgress:    stepProgress,
		OverallProgress: overall,
		Message:         message,
	})
}

// overallProgress weights every step equally at 100/total.
func overallProgress(stepNumber, total, stepProgress int) int {
	if total <= 0 || stepNumber <= 0 {
		return 0
	}
	weight := 100.0 / float64(total)
	overall := int(math.Round(float64(stepNumber-1)*weight + float64(stepProgress)/100*weight))
	if overall > 100 {
		return 100
	}
	return overall
}
