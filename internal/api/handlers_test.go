package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitedoc/sitedoc/internal/common/config"
	"github.com/sitedoc/sitedoc/internal/common/logger"
	"github.com/sitedoc/sitedoc/internal/events/bus"
	"github.com/sitedoc/sitedoc/internal/kanban"
	"github.com/sitedoc/sitedoc/internal/locks"
	"github.com/sitedoc/sitedoc/internal/pipeline"
	"github.com/sitedoc/sitedoc/internal/secrets"
	"github.com/sitedoc/sitedoc/internal/store"
)

const (
	testJWTSecret     = "api-test-secret"
	testInternalToken = "internal-token"
)

type queuedJob struct {
	Name string
	Args map[string]interface{}
}

type captureQueue struct {
	mu   sync.Mutex
	jobs []queuedJob
}

func (q *captureQueue) Enqueue(ctx context.Context, queue, name string, args map[string]interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, queuedJob{Name: name, Args: args})
	return nil
}

func (q *captureQueue) names() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	names := make([]string, len(q.jobs))
	for i, j := range q.jobs {
		names[i] = j.Name
	}
	return names
}

func (q *captureQueue) drain() []queuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.jobs
	q.jobs = nil
	return jobs
}

type apiEnv struct {
	router   *gin.Engine
	store    *store.Store
	machine  *pipeline.StateMachine
	locks    *locks.MemoryService
	vault    *secrets.Vault
	queue    *captureQueue
	customer *store.Customer
	token    string
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sqlx.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	st, err := store.NewWithDB(db, db)
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	queue := &captureQueue{}
	machine := pipeline.New(st, eventBus, queue, config.StallConfig{
		PickupMinutes: 5, StuckMinutes: 20, WarnMinutes: 45,
		EscalateHours: 4, SweepIntervalMins: 5,
	}, log)

	vault, err := secrets.NewVault(config.SecretsConfig{EncryptionKey: "test-key"}, st, log)
	require.NoError(t, err)

	lockSvc := locks.NewMemoryService()
	t.Cleanup(func() { _ = lockSvc.Close() })

	router := gin.New()
	SetupRoutes(router, Deps{
		Store:    st,
		Machine:  machine,
		Vault:    vault,
		Locks:    lockSvc,
		Auth:     config.AuthConfig{JWTSecret: testJWTSecret},
		Callback: config.CallbackConfig{InternalToken: testInternalToken},
		Logger:   log,
	})

	ctx := context.Background()
	customer := &store.Customer{Email: "dana@example.com", Name: "Dana"}
	require.NoError(t, st.CreateCustomer(ctx, customer))

	token, err := CustomerToken(testJWTSecret, customer.ID, time.Hour)
	require.NoError(t, err)

	return &apiEnv{
		router:   router,
		store:    st,
		machine:  machine,
		locks:    lockSvc,
		vault:    vault,
		queue:    queue,
		customer: customer,
		token:    token,
	}
}

func (e *apiEnv) seedIssue(t *testing.T, col kanban.Column) *store.Issue {
	t.Helper()
	ctx := context.Background()
	site := &store.Site{CustomerID: e.customer.ID, Name: "prod", URL: "https://shop.example.com"}
	require.NoError(t, e.store.CreateSite(ctx, site))
	issue := &store.Issue{CustomerID: e.customer.ID, SiteID: site.ID, Title: "Checkout broken"}
	require.NoError(t, e.store.CreateIssue(ctx, issue))
	if col != kanban.ColTriage {
		_, err := e.machine.Transition(ctx, pipeline.TransitionRequest{
			IssueID: issue.ID, Actor: kanban.ActorSystem, To: col,
		})
		require.NoError(t, err)
	}
	e.queue.drain()
	return issue
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestCustomerAuthRequired(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/issues", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged, err := CustomerToken("wrong-secret", env.customer.ID, time.Hour)
	require.NoError(t, err)
	w = env.do(t, http.MethodGet, "/api/v1/issues", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateAndGetIssue(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/issues", env.token, map[string]string{
		"title":       "Site is slow",
		"description": "Pages take 20s to load.",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decodeBody(t, w)
	assert.Equal(t, "triage", created["kanban_column"])
	assert.NotEmpty(t, created["ticket_number"])

	w = env.do(t, http.MethodGet, "/api/v1/issues/"+created["id"].(string), env.token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateIssueRequiresTitle(t *testing.T) {
	env := newAPIEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/issues", env.token, map[string]string{"description": "no title"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetIssueHidesOtherTenants(t *testing.T) {
	env := newAPIEnv(t)
	issue := env.seedIssue(t, kanban.ColTriage)

	other := &store.Customer{Email: "mallory@example.com"}
	require.NoError(t, env.store.CreateCustomer(context.Background(), other))
	otherToken, err := CustomerToken(testJWTSecret, other.ID, time.Hour)
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/api/v1/issues/"+issue.ID, otherToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPostMessageEnqueuesPMAgent(t *testing.T) {
	env := newAPIEnv(t)
	issue := env.seedIssue(t, kanban.ColTriage)

	w := env.do(t, http.MethodPost, "/api/v1/issues/"+issue.ID+"/messages", env.token,
		map[string]string{"content": "my checkout is broken"})
	require.Equal(t, http.StatusCreated, w.Code)

	jobs := env.queue.drain()
	require.Len(t, jobs, 1)
	assert.Equal(t, pipeline.JobPMRun, jobs[0].Name)
	assert.Equal(t, issue.ID, jobs[0].Args["issue_id"])
	assert.Equal(t, "my checkout is broken", jobs[0].Args["message"])

	msgs, err := env.store.ListChat(context.Background(), issue.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.ChatRoleCustomer, msgs[0].Role)

	// The pending marker outlives the queued job, so the sweep can
	// re-dispatch the turn if the job is lost before the PM runs
	pending, err := env.store.ListPMPending(context.Background(), time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, issue.ID, pending[0].IssueID)
	assert.Equal(t, "my checkout is broken", pending[0].Message)
}

func TestApproveAndStart(t *testing.T) {
	env := newAPIEnv(t)
	issue := env.seedIssue(t, kanban.ColReadyForUATApproval)

	w := env.do(t, http.MethodPost, "/api/v1/issues/"+issue.ID+"/approve-and-start", env.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "todo", decodeBody(t, w)["kanban_column"])

	// Landing in todo dispatches the dev agent
	assert.Contains(t, env.queue.names(), pipeline.JobDevRun)
}

func TestApproveAndStartRejectedFromWrongColumn(t *testing.T) {
	env := newAPIEnv(t)
	issue := env.seedIssue(t, kanban.ColInProgress)

	w := env.do(t, http.MethodPost, "/api/v1/issues/"+issue.ID+"/approve-and-start", env.token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestUATRejectIncrementsFailCount(t *testing.T) {
	env := newAPIEnv(t)
	issue := env.seedIssue(t, kanban.ColReadyForUAT)

	w := env.do(t, http.MethodPost, "/api/v1/issues/"+issue.ID+"/uat-reject", env.token,
		map[string]string{"note": "greeting is in the wrong place"})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "todo", body["kanban_column"])
	assert.Equal(t, float64(1), body["dev_fail_count"])

	msgs, err := env.store.ListChat(context.Background(), issue.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "attempt 1")

	assert.Contains(t, env.queue.names(), pipeline.JobDevRun)
}

func TestUATRejectOnlyFromReadyForUAT(t *testing.T) {
	env := newAPIEnv(t)
	issue := env.seedIssue(t, kanban.ColReadyForUATApproval)

	w := env.do(t, http.MethodPost, "/api/v1/issues/"+issue.ID+"/uat-reject", env.token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCustomerTransitionToDone(t *testing.T) {
	env := newAPIEnv(t)
	issue := env.seedIssue(t, kanban.ColReadyForUAT)

	w := env.do(t, http.MethodPost, "/api/v1/issues/"+issue.ID+"/transition", env.token,
		map[string]string{"to_col": "done"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "done", decodeBody(t, w)["kanban_column"])

	got, err := env.store.GetIssue(context.Background(), issue.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ResolvedAt)
}

func TestCustomerTransitionRejectedByMatrix(t *testing.T) {
	env := newAPIEnv(t)
	issue := env.seedIssue(t, kanban.ColTriage)

	w := env.do(t, http.MethodPost, "/api/v1/issues/"+issue.ID+"/transition", env.token,
		map[string]string{"to_col": "done"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListTransitionsReturnsAuditTrail(t *testing.T) {
	env := newAPIEnv(t)
	issue := env.seedIssue(t, kanban.ColReadyForUATApproval)

	w := env.do(t, http.MethodGet, "/api/v1/issues/"+issue.ID+"/transitions", env.token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var transitions []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &transitions))
	require.Len(t, transitions, 1)
	assert.Equal(t, "ready_for_uat_approval", transitions[0]["to_column"])
}

func TestInternalAuth(t *testing.T) {
	env := newAPIEnv(t)
	issue := env.seedIssue(t, kanban.ColInProgress)

	body := map[string]string{"issue_id": issue.ID, "agent_role": "dev", "status": "success", "message": "done"}

	w := env.do(t, http.MethodPost, "/internal/agent-result", "", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/internal/agent-result", "wrong-token", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInternalAuthUnconfiguredIs503(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/internal/agent-result", InternalAuth(""), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodPost, "/internal/agent-result", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAgentResultAdvancesTicketAndReleasesLock(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	issue := env.seedIssue(t, kanban.ColInProgress)

	acquired, err := env.locks.TryAcquire(ctx, locks.AgentKey("dev", issue.ID), 15*time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	w := env.do(t, http.MethodPost, "/internal/agent-result", testInternalToken, map[string]string{
		"issue_id":      issue.ID,
		"agent_role":    "dev",
		"status":        "success",
		"message":       "Fixed the checkout handler and deployed.",
		"transition_to": "ready_for_qa",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["ok"])

	got, err := env.store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, kanban.ColReadyForQA, got.KanbanColumn)

	msgs, err := env.store.ListChat(ctx, issue.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.ChatRoleDev, msgs[0].Role)
	assert.Equal(t, "✅ Fixed the checkout handler and deployed.", msgs[0].Content)

	// Lock released: a new acquisition succeeds immediately
	acquired, err = env.locks.TryAcquire(ctx, locks.AgentKey("dev", issue.ID), time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	// Arrival in ready_for_qa dispatches the qa agent
	assert.Contains(t, env.queue.names(), pipeline.JobQARun)
}

func TestAgentResultDuplicateDeliverySkips(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	issue := env.seedIssue(t, kanban.ColInProgress)

	body := map[string]string{
		"issue_id":      issue.ID,
		"agent_role":    "dev",
		"status":        "success",
		"message":       "Fixed.",
		"transition_to": "ready_for_qa",
	}

	w := env.do(t, http.MethodPost, "/internal/agent-result", testInternalToken, body)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/internal/agent-result", testInternalToken, body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "already_at_or_past_target", decodeBody(t, w)["skipped"])

	transitions, err := env.store.ListTransitions(ctx, issue.ID)
	require.NoError(t, err)
	var toReadyForQA int
	for _, tr := range transitions {
		if tr.ToColumn == kanban.ColReadyForQA {
			toReadyForQA++
		}
	}
	assert.Equal(t, 1, toReadyForQA)

	msgs, err := env.store.ListChat(ctx, issue.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestAgentResultFailureWithoutTransition(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	issue := env.seedIssue(t, kanban.ColInQA)

	acquired, err := env.locks.TryAcquire(ctx, locks.AgentKey("qa", issue.ID), 15*time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	w := env.do(t, http.MethodPost, "/internal/agent-result", testInternalToken, map[string]string{
		"issue_id":   issue.ID,
		"agent_role": "qa",
		"status":     "failure",
		"message":    "Could not reach the staging site.",
	})
	require.Equal(t, http.StatusOK, w.Code)

	got, err := env.store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, kanban.ColInQA, got.KanbanColumn)

	msgs, err := env.store.ListChat(ctx, issue.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.ChatRoleQA, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "❌")

	acquired, err = env.locks.TryAcquire(ctx, locks.AgentKey("qa", issue.ID), time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestAgentResultUnknownIssue(t *testing.T) {
	env := newAPIEnv(t)
	w := env.do(t, http.MethodPost, "/internal/agent-result", testInternalToken, map[string]string{
		"issue_id": "does-not-exist", "agent_role": "dev", "status": "success", "message": "m",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSaveCredential(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	issue := env.seedIssue(t, kanban.ColTriage)

	w := env.do(t, http.MethodPost, "/internal/save-credential", testInternalToken, map[string]interface{}{
		"site_id":         issue.SiteID,
		"credential_type": "ssh",
		"value":           map[string]interface{}{"host": "1.2.3.4", "user": "root", "password": "s3cret"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "ssh", decodeBody(t, w)["credential_type"])

	creds, err := env.vault.DecryptCredentials(ctx, issue.SiteID)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, "ssh", creds[0].Label)
	assert.Equal(t, "root", creds[0].Username)
	assert.Contains(t, creds[0].Secret, "s3cret")
}

func TestSaveCredentialRejectsUnknownType(t *testing.T) {
	env := newAPIEnv(t)
	issue := env.seedIssue(t, kanban.ColTriage)

	w := env.do(t, http.MethodPost, "/internal/save-credential", testInternalToken, map[string]interface{}{
		"site_id":         issue.SiteID,
		"credential_type": "carrier_pigeon",
		"value":           map[string]interface{}{"note": "coo"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSaveCredentialUnknownSite(t *testing.T) {
	env := newAPIEnv(t)
	w := env.do(t, http.MethodPost, "/internal/save-credential", testInternalToken, map[string]interface{}{
		"site_id":         "missing-site",
		"credential_type": "ssh",
		"value":           map[string]interface{}{"user": "root"},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
