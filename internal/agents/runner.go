package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sitedoc/sitedoc/internal/common/config"
	apperrors "github.com/sitedoc/sitedoc/internal/common/errors"
	"github.com/sitedoc/sitedoc/internal/common/logger"
	"github.com/sitedoc/sitedoc/internal/kanban"
	"github.com/sitedoc/sitedoc/internal/locks"
	"github.com/sitedoc/sitedoc/internal/pipeline"
	"github.com/sitedoc/sitedoc/internal/secrets"
	"github.com/sitedoc/sitedoc/internal/store"
)

// AdminNotifier raises out-of-band alerts when an agent run fails.
type AdminNotifier interface {
	NotifyAdminFailure(ctx context.Context, issueID, role, errClass, detail string)
}

// roleSpec fixes the per-role shape of a spawned run: which column the
// issue must be in, which column the run works in, and where to put the
// issue back if the spawn fails.
type roleSpec struct {
	role         string // lock key and callback agent_role
	chatRole     string
	actor        kanban.Actor
	entry        kanban.Column // zero means no pre-flight column check
	work         kanban.Column
	revert       kanban.Column
	intro        string
	starting     string
	progress     string // fmt with the session run id
	resultHint   string
	historyLimit int // 0 = full thread
}

var (
	devSpec = roleSpec{
		role:     "dev",
		chatRole: store.ChatRoleDev,
		actor:    kanban.ActorDevAgent,
		entry:    kanban.ColTodo,
		work:     kanban.ColInProgress,
		revert:   kanban.ColTodo,
		intro:    devTaskIntro,
		starting: "🔧 Starting diagnosis and fix...",
		progress: "🔧 Working on it. Session %s is applying the fix; results will be posted here.",
		resultHint: `Set transition_to to "ready_for_qa" when the fix is applied and verified.
Set status to "failure" and transition_to to null if you could not complete the fix.`,
		historyLimit: chatHistoryLimit,
	}
	qaSpec = roleSpec{
		role:     "qa",
		chatRole: store.ChatRoleQA,
		actor:    kanban.ActorQAAgent,
		entry:    kanban.ColReadyForQA,
		work:     kanban.ColInQA,
		revert:   kanban.ColReadyForQA,
		intro:    qaTaskIntro,
		starting: "🧪 QA verification starting...",
		progress: "🧪 Verification session %s is checking the fix; results will be posted here.",
		resultHint: `Set status to "success" and transition_to to "ready_for_uat" if the issue is resolved.
Set status to "failure" and transition_to to "todo" if the issue still occurs, and explain what is still wrong in the message.`,
		historyLimit: chatHistoryLimit,
	}
	techLeadSpec = roleSpec{
		role:     "tech_lead",
		chatRole: store.ChatRoleTechLead,
		actor:    kanban.ActorTechLead,
		work:     kanban.ColInProgress,
		revert:   kanban.ColTodo,
		intro:    techLeadTaskIntro,
		starting: "👨‍💼 Tech Lead escalated. Reviewing history...",
		progress: "👨‍💼 Review session %s is working through the history; corrected fix to follow.",
		resultHint: `Set transition_to to "ready_for_qa" once your corrected fix is applied and verified.
Set status to "failure" and transition_to to null if the issue needs human intervention.`,
		historyLimit: 0,
	}
)

// RunnerConfig bundles the configuration slices a runner needs.
type RunnerConfig struct {
	AgentHost config.AgentHostConfig
	Models    config.AgentsConfig
	Callback  config.CallbackConfig
	LockTTL   time.Duration
}

// Runner executes spawned agent runs for the dev, qa and tech-lead
// roles. A run is short: it moves the issue into its work column,
// assembles the task, spawns the session and returns. The spawned
// session reports back through the internal callback endpoint.
type Runner struct {
	store    *store.Store
	machine  *pipeline.StateMachine
	locks    locks.Service
	vault    *secrets.Vault
	spawner  Spawner
	notifier AdminNotifier
	cfg      RunnerConfig
	logger   *logger.Logger
}

// NewRunner creates a runner.
func NewRunner(st *store.Store, machine *pipeline.StateMachine, lockSvc locks.Service,
	vault *secrets.Vault, spawner Spawner, notifier AdminNotifier,
	cfg RunnerConfig, log *logger.Logger) *Runner {
	return &Runner{
		store:    st,
		machine:  machine,
		locks:    lockSvc,
		vault:    vault,
		spawner:  spawner,
		notifier: notifier,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "runner")),
	}
}

// RunDev starts a dev session for an issue sitting in todo.
func (r *Runner) RunDev(ctx context.Context, issueID, reason string) error {
	return r.run(ctx, devSpec, issueID, reason)
}

// RunQA starts a verification session for an issue sitting in ready_for_qa.
func (r *Runner) RunQA(ctx context.Context, issueID, reason string) error {
	return r.run(ctx, qaSpec, issueID, reason)
}

// RunTechLead starts an escalation session. There is no entry-column
// pre-flight: escalations pull the issue into in_progress from wherever
// it is stuck.
func (r *Runner) RunTechLead(ctx context.Context, issueID, reason string) error {
	return r.run(ctx, techLeadSpec, issueID, reason)
}

func (r *Runner) run(ctx context.Context, spec roleSpec, issueID, reason string) error {
	log := r.logger.WithFields(zap.String("role", spec.role), zap.String("issue_id", issueID))

	lockKey := locks.AgentKey(spec.role, issueID)
	acquired, err := r.locks.TryAcquire(ctx, lockKey, r.cfg.LockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		log.Info("Duplicate run skipped, lock held")
		return nil
	}

	issue, err := r.store.GetIssue(ctx, issueID)
	if err != nil {
		r.releaseLock(ctx, lockKey)
		if apperrors.IsNotFound(err) {
			log.Warn("Issue vanished before run started")
			return nil
		}
		return err
	}

	if spec.entry != "" && issue.KanbanColumn != spec.entry {
		r.releaseLock(ctx, lockKey)
		log.Info("Issue moved on before run started",
			zap.String("column", string(issue.KanbanColumn)))
		return nil
	}

	_, err = r.machine.Transition(ctx, pipeline.TransitionRequest{
		IssueID: issueID,
		Actor:   spec.actor,
		To:      spec.work,
		Note:    fmt.Sprintf("%s picking up ticket.", speakerLabel(spec.chatRole)),
	})
	if err != nil {
		r.failRun(ctx, spec, issueID, lockKey, false, err)
		return nil
	}

	if _, err := r.machine.PostChat(ctx, issueID, spec.chatRole, spec.starting); err != nil {
		log.Warn("Failed to post starting message", zap.Error(err))
	}

	task, err := r.assembleTask(ctx, spec, issue, reason)
	if err != nil {
		r.failRun(ctx, spec, issueID, lockKey, true, err)
		return nil
	}

	model := r.cfg.Models.ModelFor(spec.role)
	session, err := r.spawner.Spawn(ctx, SpawnRequest{
		Task:           task,
		Label:          fmt.Sprintf("%s-agent-%s", spec.role, issueID),
		Model:          model,
		RunTimeoutSecs: r.cfg.AgentHost.RunTimeoutSecs,
	})
	if err != nil {
		r.failRun(ctx, spec, issueID, lockKey, true, err)
		return nil
	}

	if err := r.machine.RecordAction(ctx, &store.AgentAction{
		IssueID:    issueID,
		AgentRole:  spec.chatRole,
		ActionType: store.ActionSpawn,
		Status:     store.ActionStatusCompleted,
		Detail:     reason,
		Model:      model,
		RunID:      session.RunID,
	}); err != nil {
		log.Warn("Failed to record spawn action", zap.Error(err))
	}

	if _, err := r.machine.PostChat(ctx, issueID, spec.chatRole,
		fmt.Sprintf(spec.progress, session.RunID)); err != nil {
		log.Warn("Failed to post progress message", zap.Error(err))
	}

	log.Info("Agent run spawned",
		zap.String("run_id", session.RunID),
		zap.String("model", model))
	return nil
}

// assembleTask reads the issue context and renders the spawned task.
// Decrypted credentials exist only in the returned string, which is
// handed straight to the spawner.
func (r *Runner) assembleTask(ctx context.Context, spec roleSpec, issue *store.Issue, reason string) (string, error) {
	var site *store.Site
	var creds []secrets.Credential
	if issue.SiteID != "" {
		var err error
		site, err = r.store.GetSite(ctx, issue.SiteID)
		if err != nil && !apperrors.IsNotFound(err) {
			return "", err
		}
		creds, err = r.vault.DecryptCredentials(ctx, issue.SiteID)
		if err != nil {
			return "", err
		}
	}

	chat, err := r.store.ListChat(ctx, issue.ID, spec.historyLimit)
	if err != nil {
		return "", err
	}
	attachments, err := r.store.ListAttachments(ctx, issue.ID)
	if err != nil {
		return "", err
	}

	callback := callbackInstructions(
		r.cfg.Callback.PublicBaseURL, r.cfg.Callback.InternalToken,
		issue.ID, spec.role, spec.resultHint)

	return buildTask(spec.intro, taskContext{
		Issue:       issue,
		Site:        site,
		Credentials: creds,
		Chat:        chat,
		Attachments: attachments,
		Reason:      reason,
		Callback:    callback,
	}), nil
}

// failRun handles a failed start: the run is abandoned, the issue is
// put back where the stall sweep can retry it, and a human is alerted.
// The error is not re-raised; retries belong to the stall sweep.
func (r *Runner) failRun(ctx context.Context, spec roleSpec, issueID, lockKey string, entered bool, cause error) {
	errClass := errorClass(cause)
	detail := clip(cause.Error(), 500)

	r.logger.Error("Agent run failed",
		zap.String("role", spec.role),
		zap.String("issue_id", issueID),
		zap.String("error_class", errClass),
		zap.Error(cause))

	if err := r.machine.RecordAction(ctx, &store.AgentAction{
		IssueID:    issueID,
		AgentRole:  spec.chatRole,
		ActionType: store.ActionSpawn,
		Status:     store.ActionStatusFailed,
		Error:      errClass + ": " + detail,
	}); err != nil {
		r.logger.Warn("Failed to record failed action", zap.Error(err))
	}

	r.releaseLock(ctx, lockKey)

	if entered {
		_, err := r.machine.Transition(ctx, pipeline.TransitionRequest{
			IssueID: issueID,
			Actor:   kanban.ActorSystem,
			To:      spec.revert,
			Note:    fmt.Sprintf("Reverting after failed %s agent start.", spec.role),
		})
		if err != nil {
			r.logger.Error("Failed to revert column after failed run",
				zap.String("issue_id", issueID), zap.Error(err))
		}
	}

	if r.notifier != nil {
		r.notifier.NotifyAdminFailure(ctx, issueID, spec.role, errClass, detail)
	}

	// The customer sees a generic notice only; the error text stays in
	// the action record and the admin alert.
	if _, err := r.machine.PostChat(ctx, issueID, spec.chatRole, fmt.Sprintf(
		"❌ %s could not complete this step. Our team has been notified and will investigate.",
		speakerLabel(spec.chatRole))); err != nil {
		r.logger.Warn("Failed to post failure message", zap.Error(err))
	}
}

func (r *Runner) releaseLock(ctx context.Context, key string) {
	if err := r.locks.Release(ctx, key); err != nil {
		r.logger.Warn("Failed to release agent lock", zap.String("key", key), zap.Error(err))
	}
}

// errorClass names the failure category recorded in the audit trail.
func errorClass(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "INTERNAL_ERROR"
}
