package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/kpekel/swarmctl/pkg/audit"
	"github.com/kpekel/swarmctl/pkg/config"
	"github.com/kpekel/swarmctl/pkg/logger"
	"github.com/kpekel/swarmctl/pkg/message"
	"github.com/kpekel/swarmctl/pkg/metrics"
	"github.com/kpekel/swarmctl/pkg/recovery"
	"github.com/kpekel/swarmctl/pkg/session"
	"github.com/kpekel/swarmctl/pkg/tmux"
	"github.com/kpekel/swarmctl/pkg/tracing"
	"github.com/kpekel/swarmctl/pkg/workflow"
	"github.com/kpekel/swarmctl/pkg/worktree"
)

// environment bundles every long-lived collaborator a command needs, built
// once per invocation from the loaded config.
type environment struct {
	cfg       config.Config
	log       *slog.Logger
	logCloser io.Closer

	audit       *audit.Store
	checkpoints *recovery.CheckpointManager
	tmuxAdapter *tmux.Adapter
	worktreeAdp *worktree.Adapter
	metrics     *metrics.Metrics
	tracer      *tracing.Tracer
	json        bool
}

func newEnvironment(cli *CLI) (*environment, error) {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return nil, err
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	if cli.LogFile != "" {
		cfg.LogFile = cli.LogFile
	}
	if cli.LogFormat != "" {
		cfg.LogFormat = cli.LogFormat
	}
	if cli.NoColor {
		cfg.NoColor = true
	}

	log, closer, err := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		return nil, fmt.Errorf("swarmctl: init logger: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.AuditDBPath), 0o755); err != nil && cfg.AuditDBPath != "" {
		return nil, fmt.Errorf("swarmctl: create audit db dir: %w", err)
	}
	store, err := audit.Open(cfg.AuditDBPath, log)
	if err != nil {
		return nil, fmt.Errorf("swarmctl: open audit store: %w", err)
	}

	m, err := metrics.NewMetrics(&cfg.Metrics)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("swarmctl: init metrics: %w", err)
	}

	tr, err := tracing.New(context.Background(), &cfg.Tracing)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("swarmctl: init tracing: %w", err)
	}

	return &environment{
		cfg:         cfg,
		log:         log,
		logCloser:   closer,
		audit:       store,
		checkpoints: recovery.NewCheckpointManager(filepath.Join(cfg.QueueRoot, "checkpoints"), log),
		tmuxAdapter: tmux.New(tmux.NewExecRunner("")),
		worktreeAdp: worktree.New(worktree.NewExecRunner(""), ".", worktree.FilePromptSource{RolesDir: "roles"}),
		metrics:     m,
		tracer:      tr,
		json:        cli.JSON,
	}, nil
}

func (e *environment) Close() {
	if e.audit != nil {
		_ = e.audit.Close()
	}
	if e.tracer != nil {
		_ = e.tracer.Shutdown(context.Background())
	}
	if e.logCloser != nil {
		_ = e.logCloser.Close()
	}
}

// newController builds a Controller wired to this environment's
// collaborators, subscribed so every lifecycle event also updates metrics
// (§4 supplemental features: pkg/metrics is not threaded through the
// controller's constructor — it rides the existing event stream instead).
func (e *environment) newController() *session.Controller {
	ctrl := session.New(e.cfg, e.log, workflow.NewRegistry(), e.tmuxAdapter, e.worktreeAdp, e.audit, e.checkpoints)
	ctrl.Subscribe(e.recordMetricsEvent)
	ctrl.Subscribe(e.recordTracingEvent)
	return ctrl
}

// fieldString renders an emit() field as a string regardless of its
// underlying type: role/code fields carry named string types
// (message.Role, recovery.Code), not plain string, so a type assertion
// against string always misses.
func fieldString(fields map[string]interface{}, key string) string {
	v, ok := fields[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func (e *environment) recordMetricsEvent(event string, fields map[string]interface{}) {
	if e.metrics == nil {
		return
	}
	role := message.Role(fieldString(fields, "role"))
	sessionID := fieldString(fields, "session_id")
	switch event {
	case "agent_spawned":
		e.metrics.RecordAgentSpawn(role, "spawned")
	case "agent_ready":
		e.metrics.RecordAgentSpawn(role, "ready")
	case "agent_error":
		e.metrics.RecordAgentError(role, fieldString(fields, "code"))
	case "message_routed":
		// message_routed only carries the target role, not the sender, so
		// the source label is left blank rather than guessed.
		to := message.Role(fieldString(fields, "to"))
		e.metrics.RecordMessageRouted(message.Role(""), to, "")
	case "stage_transition":
		e.metrics.RecordStageTransition(sessionID, fieldString(fields, "stage"))
	case "session_ended":
		// workflow_complete (monitor.Loop) carries no outcome, only
		// session_ended (Controller) carries the authoritative terminal
		// state, so only it feeds this metric.
		e.metrics.RecordWorkflowComplete(sessionID, fieldString(fields, "state"))
	}
}

// recordTracingEvent turns every lifecycle event into a span (pkg/tracing),
// the same way recordMetricsEvent turns it into a counter/gauge update: both
// ride Controller.Subscribe rather than being threaded through the
// controller/monitor call sites that raise the events.
func (e *environment) recordTracingEvent(event string, fields map[string]interface{}) {
	if e.tracer == nil {
		return
	}
	e.tracer.RecordEvent(context.Background(), event, fields)
}

// resolveSessionID returns explicit if non-empty, else the most recently
// created session recorded in the audit store.
func resolveSessionID(ctx context.Context, store *audit.Store, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	history, err := store.History(ctx, 1)
	if err != nil {
		return "", fmt.Errorf("swarmctl: query session history: %w", err)
	}
	if len(history) == 0 {
		return "", exitErrorf(ExitArgumentError, "swarmctl: no sessions recorded yet")
	}
	return history[0].ID, nil
}

// sessionIDFromTmuxName strips the "swarm_" prefix tmux.SessionName adds,
// returning "" for any session this module didn't create.
func sessionIDFromTmuxName(name string) string {
	const prefix = "swarm_"
	if !strings.HasPrefix(name, prefix) {
		return ""
	}
	return strings.TrimPrefix(name, prefix)
}

// queueRoleSet returns the set of valid agent role names, for
// worktree.Adapter.ListSwarm's validRoles filter.
func queueRoleSet() map[string]bool {
	out := make(map[string]bool, len(message.AgentRoles))
	for _, r := range message.AgentRoles {
		out[string(r)] = true
	}
	return out
}

// findLiveSession scans recent audit history for a session still marked
// running whose pid file points at a live process, returning its id (or ""
// if none). Used by start to enforce exit code 3 (§6): only one foreground
// swarmctl start may hold a given queue root at a time.
func findLiveSession(ctx context.Context, e *environment) (string, error) {
	history, err := e.audit.History(ctx, 20)
	if err != nil {
		return "", fmt.Errorf("swarmctl: query session history: %w", err)
	}
	for _, s := range history {
		if s.Status != string(session.StateRunning) && s.Status != string(session.StateInitializing) {
			continue
		}
		pid, err := readPID(e.cfg, s.ID)
		if err != nil {
			continue
		}
		if signalProcess(pid, syscall.Signal(0)) == nil {
			return s.ID, nil
		}
	}
	return "", nil
}

func pidFilePath(cfg config.Config, sessionID string) string {
	return filepath.Join(cfg.QueueRoot, sessionID, "swarmctl.pid")
}

func writePIDFile(cfg config.Config, sessionID string) error {
	path := pidFilePath(cfg, sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(cfg config.Config, sessionID string) {
	_ = os.Remove(pidFilePath(cfg, sessionID))
}

func readPID(cfg config.Config, sessionID string) (int, error) {
	data, err := os.ReadFile(pidFilePath(cfg, sessionID))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func signalProcess(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

// printJSON renders v as indented JSON to stdout, for every command's
// --json path.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
