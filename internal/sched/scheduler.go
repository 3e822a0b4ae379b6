// internal/sched/scheduler.go

package sched

import (
	"errors"
	"fmt"
	"strings"
)

// Scheduler is a run queue policy. Implementations are safe for concurrent
// use by several CPUs.
type Scheduler interface {
	Init()
	Name() string
	// AddTask queues a freshly created task.
	AddTask(t *Task)
	// PickNextTask removes and returns the next task, or nil.
	PickNextTask() *Task
	// PutPrevTask requeues a task that yielded, was preempted or was woken.
	// front asks for head placement.
	PutPrevTask(t *Task, front bool)
	// TaskTick is called once per timer interrupt for the running task and
	// reports whether it should be preempted.
	TaskTick(t *Task) bool
	SetPriority(t *Task, prio int) bool
	Len() int
}

// vruntimer is implemented by policies that account virtual runtime.
type vruntimer interface {
	Vruntime(t *Task) float64
}

// VruntimeOf returns the virtual runtime t's policy has charged it, or 0 when
// the policy keeps none.
func VruntimeOf(t *Task) float64 {
	if v, ok := t.Scheduler().(vruntimer); ok {
		return v.Vruntime(t)
	}
	return 0
}

// Policy names accepted in the configuration.
const (
	PolicyFIFO = "fifo"
	PolicyRR   = "rr"
	PolicyCFS  = "cfs"
	PolicyMOIC = "moic"
)

// ErrUnknownPolicy is returned for a policy name no scheduler implements.
var ErrUnknownPolicy = errors.New("unknown scheduling policy")

// NewScheduler builds the policy named by cfg.Policy.
func NewScheduler(cfg Config) (Scheduler, error) {
	var s Scheduler
	switch strings.ToLower(cfg.Policy) {
	case PolicyFIFO, "":
		s = NewFIFO()
	case PolicyRR:
		s = NewRR(cfg.SliceTicks)
	case PolicyCFS:
		s = NewCFS()
	case PolicyMOIC:
		s = NewMOIC(cfg.MOICLevels, cfg.MOICCapacity, cfg.SliceTicks)
	default:
		return nil, fmt.Errorf("policy %q: %w", cfg.Policy, ErrUnknownPolicy)
	}
	s.Init()
	return s, nil
}

// Policies lists every policy name, for flag help.
func Policies() []string {
	return []string{PolicyFIFO, PolicyRR, PolicyCFS, PolicyMOIC}
}
