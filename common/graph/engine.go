package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/forgeline/overseer/common/logger"
	"github.com/forgeline/overseer/common/state"
)

// ErrNotInterrupted is returned by Resume when the latest checkpoint does
// not carry an interrupt marker.
var ErrNotInterrupted = errors.New("workflow is not interrupted")

// Interrupt marks a paused run waiting for external input. Its JSON shape
// doubles as the checkpoint marker.
type Interrupt struct {
	Node   string `json:"__interrupt__"`
	Reason string `json:"reason,omitempty"`
}

// Checkpoint is what the engine persists at every node boundary. Interrupt
// is non-nil only when the run paused at an interrupt node.
type Checkpoint struct {
	State     state.WorkflowState
	Interrupt *Interrupt
}

// Checkpointer persists and restores checkpoints keyed by thread id.
type Checkpointer interface {
	Save(ctx context.Context, threadID string, cp Checkpoint) error
	Load(ctx context.Context, threadID string) (Checkpoint, error)
}

// AfterFunc runs after a node's update has merged, before routing. An error
// halts the run and is returned as-is, so callers can use sentinel errors
// to stop a run at a node boundary.
type AfterFunc func(ctx context.Context, threadID, nodeName string, st state.WorkflowState) error

// Outcome is the result of driving a graph until it ends or pauses.
type Outcome struct {
	State     state.WorkflowState
	Interrupt *Interrupt
}

// Paused reports whether the run stopped at an interrupt node.
func (o Outcome) Paused() bool {
	return o.Interrupt != nil
}

// Engine drives a compiled graph with durable checkpoints.
type Engine struct {
	graph *Graph
	saver Checkpointer
	eval  *Evaluator
	after AfterFunc
	log   *logger.Logger
}

type Option func(*Engine)

// WithAfterNode installs a hook invoked at every node boundary.
func WithAfterNode(fn AfterFunc) Option {
	return func(e *Engine) { e.after = fn }
}

func NewEngine(g *Graph, saver Checkpointer, log *logger.Logger, opts ...Option) *Engine {
	e := &Engine{graph: g, saver: saver, eval: NewEvaluator(), log: log}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives the graph from its entry node until it reaches End or pauses
// at an interrupt node.
func (e *Engine) Run(ctx context.Context, threadID string, st state.WorkflowState) (Outcome, error) {
	return e.drive(ctx, threadID, st, e.graph.entry, false)
}

// Resume continues a paused run: updates merge into the checkpointed state,
// then the interrupted node executes with the merged state and the run
// proceeds along its output edge.
func (e *Engine) Resume(ctx context.Context, threadID string, updates state.Update) (Outcome, error) {
	cp, err := e.saver.Load(ctx, threadID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load checkpoint for %s: %w", threadID, err)
	}
	if cp.Interrupt == nil {
		return Outcome{State: cp.State}, ErrNotInterrupted
	}

	st := cp.State
	if len(updates) > 0 {
		st, err = st.Merge(updates)
		if err != nil {
			return Outcome{State: cp.State}, fmt.Errorf("merge resume updates: %w", err)
		}
	}
	e.log.Info("graph resuming", "thread_id", threadID, "node", cp.Interrupt.Node)
	return e.drive(ctx, threadID, st, cp.Interrupt.Node, true)
}

func (e *Engine) drive(ctx context.Context, threadID string, st state.WorkflowState, current string, resumed bool) (Outcome, error) {
	for current != End {
		if err := ctx.Err(); err != nil {
			return Outcome{State: st}, err
		}
		n, ok := e.graph.nodes[current]
		if !ok {
			return Outcome{State: st}, fmt.Errorf("route reached unknown node %q", current)
		}

		if n.interrupt && !resumed {
			intr := &Interrupt{Node: n.name, Reason: n.reason}
			if err := e.saver.Save(ctx, threadID, Checkpoint{State: st, Interrupt: intr}); err != nil {
				return Outcome{State: st}, fmt.Errorf("checkpoint %s at %s: %w", threadID, n.name, err)
			}
			e.log.Info("graph interrupted", "thread_id", threadID, "node", n.name, "reason", n.reason)
			return Outcome{State: st, Interrupt: intr}, nil
		}
		resumed = false

		update, err := n.fn(ctx, st)
		if err != nil {
			return Outcome{State: st}, fmt.Errorf("node %s: %w", n.name, err)
		}
		if len(update) > 0 {
			st, err = st.Merge(update)
			if err != nil {
				return Outcome{State: st}, fmt.Errorf("merge %s output: %w", n.name, err)
			}
		}

		if e.after != nil {
			if err := e.after(ctx, threadID, n.name, st); err != nil {
				return Outcome{State: st}, err
			}
		}
		if err := e.saver.Save(ctx, threadID, Checkpoint{State: st}); err != nil {
			return Outcome{State: st}, fmt.Errorf("checkpoint %s after %s: %w", threadID, n.name, err)
		}

		next, err := e.next(n.name, st)
		if err != nil {
			return Outcome{State: st}, err
		}
		e.log.Debug("graph step", "thread_id", threadID, "node", n.name, "next", next)
		current = next
	}
	return Outcome{State: st}, nil
}

// next picks the outgoing edge for a node against the post-update state.
func (e *Engine) next(name string, st state.WorkflowState) (string, error) {
	r := e.graph.routes[name]
	if len(r.branches) == 0 {
		return r.fallback, nil
	}

	vars, err := stateVars(st)
	if err != nil {
		return "", err
	}
	for _, br := range r.branches {
		ok, err := e.eval.EvaluateBool(br.When, vars)
		if err != nil {
			return "", fmt.Errorf("route from %s: %w", name, err)
		}
		if ok {
			return br.To, nil
		}
	}
	if r.fallback == "" {
		return "", fmt.Errorf("no branch matched leaving %s", name)
	}
	return r.fallback, nil
}

// stateVars exposes the state to CEL as a plain map under `state`.
func stateVars(st state.WorkflowState) (map[string]any, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal state for routing: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal state for routing: %w", err)
	}
	return map[string]any{"state": m}, nil
}
