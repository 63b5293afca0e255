package domain

import (
	"fmt"
	"strconv"
)

// TaskKind is a named unit of work executed by a worker's compute engine.
type TaskKind int

const (
	TaskTrain TaskKind = iota
	TaskEval
	TaskForward
	TaskClassify
	TaskAnalyze
)

var taskNames = [...]string{
	TaskTrain:    "train",
	TaskEval:     "eval",
	TaskForward:  "forward",
	TaskClassify: "classify",
	TaskAnalyze:  "analyze",
}

// String returns the wire name of the task. Values outside the enumeration
// render as "task(N)", which no worker accepts.
func (k TaskKind) String() string {
	if k >= 0 && int(k) < len(taskNames) {
		return taskNames[k]
	}
	return "task(" + strconv.Itoa(int(k)) + ")"
}

// Valid reports whether k is one of the known tasks.
func (k TaskKind) Valid() bool {
	return k >= 0 && int(k) < len(taskNames)
}

// ParseTaskKind maps a wire name back to a TaskKind.
func ParseTaskKind(name string) (TaskKind, error) {
	for i, n := range taskNames {
		if n == name {
			return TaskKind(i), nil
		}
	}
	if name == "extract" {
		return TaskForward, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTask, name)
}

// WorkerMode selects which compute graph a worker builds at startup.
type WorkerMode int

const (
	ModeTrain WorkerMode = iota
	ModeForward
	ModeClassify
	ModeAnalyze
)

// String returns the config name of the mode.
func (m WorkerMode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeForward:
		return "forward"
	case ModeClassify:
		return "classify"
	case ModeAnalyze:
		return "analyze"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// ParseWorkerMode maps a config name to a WorkerMode.
func ParseWorkerMode(name string) (WorkerMode, error) {
	switch name {
	case "train", "":
		return ModeTrain, nil
	case "forward":
		return ModeForward, nil
	case "classify":
		return ModeClassify, nil
	case "analyze":
		return ModeAnalyze, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, name)
	}
}

// Supports reports whether a worker in mode m can execute task.
func (m WorkerMode) Supports(task TaskKind) bool {
	switch m {
	case ModeTrain:
		return task == TaskTrain || task == TaskEval
	case ModeForward:
		return task == TaskForward
	case ModeClassify:
		return task == TaskClassify
	case ModeAnalyze:
		return task == TaskAnalyze
	}
	return false
}
