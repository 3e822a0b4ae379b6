// internal/sched/schedulerEvent.go

package sched

import (
	"time"
)

// StatusKind represents the type of scheduler event
type StatusKind int

const (
	StatusIdle StatusKind = iota
	StatusEnqueue
	StatusDispatch
	StatusPreempt
	StatusFinish
	StatusTick
	StatusWake
	StatusUserReturn
	StatusTrap
	StatusSwitch
	StatusPriorityUpdate
	StatusResume
)

// StatusEvent is emitted every tick or on key actions
type StatusEvent struct {
	Time     time.Time     `msgpack:"time"`
	At       time.Duration `msgpack:"at"` // machine time since boot
	Kind     StatusKind    `msgpack:"kind"`
	CPU      int           `msgpack:"cpu"` // NoCPU when no core is involved
	Executor uint64        `msgpack:"executor"`
	TaskID   TaskID        `msgpack:"task"`
	Name     string        `msgpack:"name,omitempty"`
	Vruntime float64       `msgpack:"vruntime"`
	RanTicks int64         `msgpack:"ran_ticks"`
	Detail   string        `msgpack:"detail,omitempty"`
}

// NoCPU marks events, such as wakeups, that are not tied to a core.
const NoCPU = -1

func (sk StatusKind) String() string {
	switch sk {
	case StatusIdle:
		return "Idle"
	case StatusEnqueue:
		return "Enqueued"
	case StatusDispatch:
		return "Dispatch"
	case StatusPreempt:
		return "Preempt"
	case StatusFinish:
		return "Finish"
	case StatusTick:
		return "Tick"
	case StatusWake:
		return "Wake"
	case StatusUserReturn:
		return "UserReturn"
	case StatusTrap:
		return "Trap"
	case StatusSwitch:
		return "Switch"
	case StatusPriorityUpdate:
		return "Priority"
	case StatusResume:
		return "Resume"
	default:
		return "Unknown"
	}
}
