// Package dispatch decides which workers receive a pending task.
//
// Everything here is pure: callers pass a snapshot of the registry and the
// current in-flight counts and apply the returned assignment themselves.
package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"taskflow/internal/domain"
)

var (
	ErrNoEligibleWorker = errors.New("no eligible worker")
	ErrUnknownPolicy    = errors.New("unknown dispatch policy")
)

type Policy string

const (
	Sequential   Policy = "sequential"
	Parallel     Policy = "parallel"
	Hierarchical Policy = "hierarchical"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case Sequential, Parallel, Hierarchical:
		return p, nil
	case "":
		return Sequential, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownPolicy, s)
}

// Eligible returns the workers that can take a task of taskType, highest
// priority first. Workers must be in registration order; the sort is stable
// so ties keep that order.
func Eligible(workers []domain.Worker, inflight map[string]int, taskType string) []domain.Worker {
	out := make([]domain.Worker, 0, len(workers))
	for _, w := range workers {
		if !w.Capabilities.Matches(taskType) {
			continue
		}
		if w.MaxConcurrent > 0 && inflight[w.ID] >= w.MaxConcurrent {
			continue
		}
		out = append(out, w)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

type Input struct {
	Task           domain.Task
	Workers        []domain.Worker // registration order
	InFlight       map[string]int  // worker ID -> assigned+processing tasks
	Coordinator    *domain.Worker
	MaxConcurrency int // parallel fan-out ceiling; <= 0 means every eligible worker
}

// Select applies policy to in. The result is never empty when err is nil.
func Select(policy Policy, in Input) ([]domain.Worker, error) {
	switch policy {
	case Hierarchical:
		if in.Coordinator != nil {
			return []domain.Worker{*in.Coordinator}, nil
		}
		return selectSequential(in)
	case Parallel:
		eligible := Eligible(in.Workers, in.InFlight, in.Task.Type)
		if len(eligible) == 0 {
			return nil, fmt.Errorf("%w for task type %q", ErrNoEligibleWorker, in.Task.Type)
		}
		if in.MaxConcurrency > 0 && len(eligible) > in.MaxConcurrency {
			eligible = eligible[:in.MaxConcurrency]
		}
		return eligible, nil
	default:
		return selectSequential(in)
	}
}

func selectSequential(in Input) ([]domain.Worker, error) {
	eligible := Eligible(in.Workers, in.InFlight, in.Task.Type)
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w for task type %q", ErrNoEligibleWorker, in.Task.Type)
	}
	return eligible[:1], nil
}
