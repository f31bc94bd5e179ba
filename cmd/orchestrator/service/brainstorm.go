package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/forgeline/overseer/common/agents"
	"github.com/forgeline/overseer/common/config"
	"github.com/forgeline/overseer/common/driver"
	"github.com/forgeline/overseer/common/events"
	"github.com/forgeline/overseer/common/logger"
	"github.com/forgeline/overseer/common/state"
	"github.com/forgeline/overseer/common/store"
	"github.com/google/uuid"
)

// ErrSessionBusy rejects a message while a previous turn is still running.
// Driver sessions are single-threaded; concurrent turns would interleave.
var ErrSessionBusy = errors.New("brainstorm session has a turn in flight")

// Brainstorm runs exploratory sessions over the same driver abstraction the
// workflow agents use. Turns are fire-and-forget: SendMessage persists the
// user message and returns, and the model's reply streams to the event bus
// under the session id.
type Brainstorm struct {
	cfg     *config.Config
	store   *store.Store
	bus     *events.Bus
	drivers *driver.Factory
	orch    *Orchestrator
	log     *logger.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
	closed   bool

	wg sync.WaitGroup
}

// sessionState tracks in-memory turn exclusivity and live event ordering
// for one session.
type sessionState struct {
	busy bool
	seq  int64
}

// BrainstormOpts wires the brainstorm service's dependencies.
type BrainstormOpts struct {
	Config       *config.Config
	Store        *store.Store
	Bus          *events.Bus
	Drivers      *driver.Factory
	Orchestrator *Orchestrator
	Log          *logger.Logger
}

// NewBrainstorm creates the brainstorm service.
func NewBrainstorm(opts *BrainstormOpts) *Brainstorm {
	return &Brainstorm{
		cfg:      opts.Config,
		store:    opts.Store,
		bus:      opts.Bus,
		drivers:  opts.Drivers,
		orch:     opts.Orchestrator,
		log:      opts.Log,
		sessions: make(map[string]*sessionState),
	}
}

// CreateSession opens a new session bound to a profile.
func (b *Brainstorm) CreateSession(ctx context.Context, profileID string) (store.BrainstormSession, error) {
	profile, err := b.orch.resolveProfile(ctx, profileID)
	if err != nil {
		return store.BrainstormSession{}, err
	}

	sess, err := b.store.CreateSession(ctx, profile.ID)
	if err != nil {
		return store.BrainstormSession{}, err
	}

	b.publish(sess.ID, state.WorkflowEvent{
		Agent:     agents.NameBrainstorm,
		EventType: state.EventBrainstormSessionCreated,
		Message:   fmt.Sprintf("session created for profile %s", profile.ID),
	})
	b.log.Info("brainstorm session created", "session_id", sess.ID, "profile", profile.ID)
	return sess, nil
}

// GetSession returns one session with its messages and artifacts.
func (b *Brainstorm) GetSession(ctx context.Context, id string) (store.BrainstormSession, []store.BrainstormMessage, []store.Artifact, error) {
	sess, err := b.store.GetSession(ctx, id)
	if err != nil {
		return store.BrainstormSession{}, nil, nil, err
	}
	msgs, err := b.store.Messages(ctx, id)
	if err != nil {
		return store.BrainstormSession{}, nil, nil, err
	}
	arts, err := b.store.Artifacts(ctx, id)
	if err != nil {
		return store.BrainstormSession{}, nil, nil, err
	}
	return sess, msgs, arts, nil
}

// ListSessions returns all sessions, newest first.
func (b *Brainstorm) ListSessions(ctx context.Context) ([]store.BrainstormSession, error) {
	return b.store.ListSessions(ctx)
}

// DeleteSession removes a session and its messages and artifacts.
func (b *Brainstorm) DeleteSession(ctx context.Context, id string) error {
	return b.store.DeleteSession(ctx, id)
}

// SendMessage appends the user's message and kicks off the model turn in
// the background. It returns the stored message id immediately; the reply
// arrives as events on the bus and a persisted assistant message.
func (b *Brainstorm) SendMessage(ctx context.Context, sessionID, content string) (string, error) {
	sess, err := b.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.Status == store.SessionCompleted {
		return "", fmt.Errorf("session %s: %w", sessionID, store.ErrSessionCompleted)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", fmt.Errorf("brainstorm service is shutting down")
	}
	ss := b.sessions[sessionID]
	if ss == nil {
		ss = &sessionState{}
		b.sessions[sessionID] = ss
	}
	if ss.busy {
		b.mu.Unlock()
		return "", fmt.Errorf("session %s: %w", sessionID, ErrSessionBusy)
	}
	ss.busy = true
	b.mu.Unlock()

	msg, err := b.store.AppendMessage(ctx, sessionID, "user", content)
	if err != nil {
		b.release(sessionID)
		return "", err
	}

	b.wg.Add(1)
	go b.runTurn(sess, content)
	return msg.ID, nil
}

// runTurn drives one model reply: it streams events, watches tool calls for
// written artifacts, and persists the assistant message at the end.
func (b *Brainstorm) runTurn(sess store.BrainstormSession, content string) {
	defer b.wg.Done()
	defer b.release(sess.ID)

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Driver.Timeout)
	defer cancel()

	result, err := b.executeTurn(ctx, sess, content)
	if err != nil {
		b.log.Error("brainstorm turn failed", "session_id", sess.ID, "error", err)
		b.publish(sess.ID, state.WorkflowEvent{
			Agent:     agents.NameBrainstorm,
			EventType: state.EventBrainstormMessageComplete,
			Message:   err.Error(),
			IsError:   true,
		})
		return
	}

	if _, err := b.store.AppendMessage(ctx, sess.ID, "assistant", result); err != nil {
		b.log.Error("failed to persist assistant message", "session_id", sess.ID, "error", err)
	}
	b.publish(sess.ID, state.WorkflowEvent{
		Agent:     agents.NameBrainstorm,
		EventType: state.EventBrainstormMessageComplete,
		Message:   result,
	})
}

func (b *Brainstorm) executeTurn(ctx context.Context, sess store.BrainstormSession, content string) (string, error) {
	profile, err := b.orch.resolveProfile(ctx, sess.ProfileID)
	if err != nil {
		return "", err
	}
	drv, err := b.orch.driverFor(agents.NameBrainstorm, profile)
	if err != nil {
		return "", err
	}

	stream, err := drv.ExecuteAgentic(ctx, driver.AgenticRequest{
		Prompt:       content,
		SystemPrompt: b.activePrompts(ctx).Get(agents.PromptBrainstormSystem),
		Cwd:          profile.WorkingDir,
		SessionID:    sess.DriverSessionID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start brainstorm turn: %w", err)
	}

	var result string
	sawResult := false
	driverSession := sess.DriverSessionID
	for m := range stream.C {
		if m.SessionID != "" {
			driverSession = m.SessionID
		}
		if evt, ok := m.Event(agents.NameBrainstorm); ok {
			b.publish(sess.ID, evt)
		}
		if m.Type == driver.MessageToolCall {
			b.detectArtifact(ctx, sess.ID, m)
		}
		if m.Type == driver.MessageResult {
			result = m.Content
			sawResult = true
		}
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	if !sawResult {
		return "", driver.ErrNoResult
	}

	if driverSession != "" && driverSession != sess.DriverSessionID {
		if err := b.store.SetSessionDriverID(ctx, sess.ID, driverSession); err != nil {
			b.log.Warn("failed to save driver session id", "session_id", sess.ID, "error", err)
		}
	}
	return result, nil
}

// detectArtifact persists a file written during the turn. Only write_file
// calls with a path argument count.
func (b *Brainstorm) detectArtifact(ctx context.Context, sessionID string, m driver.Message) {
	if m.ToolName != "write_file" {
		return
	}
	path := stringArg(m.ToolInput, "path")
	if path == "" {
		path = stringArg(m.ToolInput, "file_path")
	}
	if path == "" {
		return
	}

	art, err := b.store.SaveArtifact(ctx, sessionID, path, inferArtifactType(path))
	if err != nil {
		b.log.Warn("failed to save artifact", "session_id", sessionID, "path", path, "error", err)
		return
	}
	b.publish(sessionID, state.WorkflowEvent{
		Agent:     agents.NameBrainstorm,
		EventType: state.EventBrainstormArtifactCreated,
		Message:   art.Path,
		ToolInput: map[string]any{"path": art.Path, "type": art.Type},
	})
	b.log.Info("brainstorm artifact detected", "session_id", sessionID, "path", path, "type", art.Type)
}

// Handoff completes a session and mints a workflow seeded with one of its
// artifacts as the plan.
func (b *Brainstorm) Handoff(ctx context.Context, sessionID, artifactPath string) (string, error) {
	sess, err := b.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.Status == store.SessionCompleted {
		return "", fmt.Errorf("session %s: %w", sessionID, store.ErrSessionCompleted)
	}

	art, err := b.store.ArtifactByPath(ctx, sessionID, artifactPath)
	if err != nil {
		return "", err
	}
	profile, err := b.orch.resolveProfile(ctx, sess.ProfileID)
	if err != nil {
		return "", err
	}

	planPath := art.Path
	if !filepath.IsAbs(planPath) {
		planPath = filepath.Join(profile.WorkingDir, planPath)
	}
	if info, err := os.Stat(planPath); err != nil || info.Size() == 0 {
		return "", fmt.Errorf("artifact %s: %w", artifactPath, ErrPlanFile)
	}

	if err := b.store.CompleteSession(ctx, sessionID); err != nil {
		return "", err
	}

	issueID := handoffIssueID(sess.ID, art.Path)
	workflowID, err := b.orch.StartWorkflow(ctx, StartRequest{
		IssueID:   issueID,
		ProfileID: sess.ProfileID,
		PlanPath:  planPath,
	})
	if err != nil {
		return "", err
	}

	b.log.Info("brainstorm handed off",
		"session_id", sessionID, "workflow_id", workflowID, "artifact", art.Path)
	return workflowID, nil
}

// Close waits for in-flight turns to finish.
func (b *Brainstorm) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Brainstorm) release(sessionID string) {
	b.mu.Lock()
	if ss := b.sessions[sessionID]; ss != nil {
		ss.busy = false
	}
	b.mu.Unlock()
}

// publish stamps identity and per-session ordering on an event and puts it
// on the bus keyed by the session id. Brainstorm events are live-only; the
// durable record is the message and artifact tables.
func (b *Brainstorm) publish(sessionID string, evt state.WorkflowEvent) {
	b.mu.Lock()
	ss := b.sessions[sessionID]
	if ss == nil {
		ss = &sessionState{}
		b.sessions[sessionID] = ss
	}
	ss.seq++
	evt.Sequence = ss.seq
	b.mu.Unlock()

	evt.ID = uuid.NewString()
	evt.WorkflowID = sessionID
	evt.Timestamp = time.Now().UTC()
	b.bus.Publish(evt)
}

// activePrompts overlays the catalog's active versions on the built-in
// defaults. Sessions are not pinned; each turn sees the current catalog.
func (b *Brainstorm) activePrompts(ctx context.Context) agents.Prompts {
	actives, err := b.store.ActivePrompts(ctx)
	if err != nil || len(actives) == 0 {
		return nil
	}
	prompts := make(agents.Prompts, len(actives))
	for _, p := range actives {
		prompts[p.Name] = p.Content
	}
	return prompts
}

func stringArg(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	s, _ := input[key].(string)
	return s
}

// inferArtifactType maps an artifact path to a coarse type for the UI.
func inferArtifactType(path string) string {
	norm := filepath.ToSlash(strings.ToLower(path))
	switch {
	case strings.Contains(norm, "docs/plans/"):
		return "design"
	case strings.HasSuffix(norm, ".md"):
		return "document"
	default:
		return "file"
	}
}

// handoffIssueID derives a stable issue id for a minted workflow from the
// session and artifact name.
func handoffIssueID(sessionID, artifactPath string) string {
	base := strings.TrimSuffix(filepath.Base(artifactPath), filepath.Ext(artifactPath))
	slug := state.Slugify(base)
	if slug == "" {
		slug = "handoff"
	}
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("brainstorm-%s-%s", short, slug)
}
