package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/autopilot/pkg/browser"
	"github.com/entrhq/autopilot/pkg/browser/browsertest"
	"github.com/entrhq/autopilot/pkg/mail"
	"github.com/entrhq/autopilot/pkg/pipeline"
	"github.com/entrhq/autopilot/pkg/queue"
	"github.com/entrhq/autopilot/pkg/store"
	"github.com/entrhq/autopilot/pkg/trace"
	"github.com/entrhq/autopilot/pkg/types"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type pipelineFunc func(ctx context.Context, req pipeline.Request) (*pipeline.Report, error)

func (f pipelineFunc) Run(ctx context.Context, req pipeline.Request) (*pipeline.Report, error) {
	return f(ctx, req)
}

func succeed(_ context.Context, req pipeline.Request) (*pipeline.Report, error) {
	rep := &pipeline.Report{TaskID: req.TaskID, Success: true}
	for _, id := range req.Accounts {
		rep.Results = append(rep.Results, types.AccountResult{AccountID: id, Status: types.AccountSuccess})
	}
	return rep, nil
}

type fixture struct {
	queue    *queue.Queue
	accounts *store.Accounts
	sink     *trace.MemorySink
	mail     *mail.MemoryProvider
	pool     *browser.Pool
}

func setupTestRouter(t *testing.T, opts ...Option) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := store.NewMemoryStore()
	f := &fixture{
		accounts: store.NewAccounts(s, nil),
		sink:     trace.NewMemorySink(),
		mail:     mail.NewMemoryProvider(nil, 10*time.Millisecond, nil),
		pool:     browser.NewPool(&browsertest.Connector{}, browser.PoolConfig{MaxSize: 3}),
	}
	f.queue = queue.New(pipelineFunc(succeed), store.NewTasks(s, nil), queue.Config{Workers: 1})
	t.Cleanup(f.queue.Close)

	srv := New(Deps{
		Tasks:    f.queue,
		Accounts: f.accounts,
		Traces:   f.sink,
		Pool:     f.pool,
		Mail:     f.mail,
	}, append([]Option{
		WithDefaultStages([]string{types.StageLogin}, nil),
		WithInboundToken("inbound-secret"),
	}, opts...)...)
	return srv.engine, f
}

func do(r http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := do(r, "GET", "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Status string            `json:"status"`
		Queue  queue.Stats       `json:"queue"`
		Pool   browser.PoolStats `json:"pool"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, 1, out.Queue.Workers)
	assert.Equal(t, 3, out.Pool.Capacity)
}

func TestSubmitAndPoll(t *testing.T) {
	r, f := setupTestRouter(t)

	w := do(r, "POST", "/api/tasks", gin.H{"accounts": []string{"a", "b"}})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var sub struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))
	require.NotEmpty(t, sub.TaskID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := f.queue.Wait(ctx, sub.TaskID)
	require.NoError(t, err)

	w = do(r, "GET", "/api/tasks/"+sub.TaskID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var task types.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, types.TaskSuccess, task.Status)
	assert.Equal(t, []string{types.StageLogin}, task.Stages)
	assert.Len(t, task.Results, 2)

	w = do(r, "GET", "/api/tasks?status=success", nil)
	var tasks []types.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tasks))
	assert.Len(t, tasks, 1)

	w = do(r, "GET", "/api/tasks?status=running", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tasks))
	assert.Empty(t, tasks)

	w = do(r, "POST", "/api/tasks/"+sub.TaskID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSubmit_Validation(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := do(r, "POST", "/api/tasks", gin.H{"stages": []string{"login"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, "POST", "/api/tasks", gin.H{"accounts": []string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTask_NotFound(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := do(r, "GET", "/api/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, "POST", "/api/tasks/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, "GET", "/api/nothing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTaskTrace(t *testing.T) {
	r, f := setupTestRouter(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, f.sink.Write(ctx, types.TraceEvent{ID: "1", Timestamp: base, TaskID: "t1", AccountID: "a", Step: "login", Action: "start"}))
	require.NoError(t, f.sink.Write(ctx, types.TraceEvent{ID: "2", Timestamp: base.Add(time.Second), TaskID: "t1", AccountID: "b", Step: "login", Action: "start"}))
	require.NoError(t, f.sink.Write(ctx, types.TraceEvent{ID: "3", Timestamp: base, TaskID: "t2", AccountID: "a", Step: "login", Action: "start"}))

	var events []types.TraceEvent
	w := do(r, "GET", "/api/tasks/t1/trace", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	assert.Len(t, events, 2)

	w = do(r, "GET", "/api/tasks/t1/trace?account=b", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "2", events[0].ID)

	w = do(r, "GET", "/api/tasks/none/trace", nil)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestAccounts_HideSecrets(t *testing.T) {
	r, f := setupTestRouter(t)
	_, err := f.accounts.Save(context.Background(), &types.Account{
		ID:        "owner",
		Email:     "owner@example.com",
		Password:  "hunter2-password",
		OTPSecret: "JBSWY3DPEHPK3PXP",
	})
	require.NoError(t, err)

	w := do(r, "GET", "/api/accounts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "hunter2-password")
	assert.NotContains(t, w.Body.String(), "JBSWY3DPEHPK3PXP")
	assert.Contains(t, w.Body.String(), `"has_otp":true`)

	w = do(r, "GET", "/api/accounts/owner", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(r, "GET", "/api/accounts/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPool(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := do(r, "GET", "/api/pool", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Stats  browser.PoolStats   `json:"stats"`
		Leases []browser.LeaseInfo `json:"leases"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, 3, out.Stats.Capacity)
	assert.Empty(t, out.Leases)
}

func TestInboundMail(t *testing.T) {
	r, f := setupTestRouter(t)
	ctx := context.Background()
	mbox, err := f.mail.CreateRandomMailbox(ctx, "seats.example.com")
	require.NoError(t, err)
	_, err = f.accounts.Save(ctx, &types.Account{ID: "owner", Email: "Owner@Example.com"})
	require.NoError(t, err)

	msg := mail.Message{From: "noreply@example.com", To: mbox.Address, Subject: "Your code", Text: "Code: 481516"}

	w := do(r, "POST", "/api/mail/inbound", msg)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, "POST", "/api/mail/inbound", msg, "X-Inbound-Token", "inbound-secret")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	got, err := f.mail.Inbox().List(ctx, mbox.Address)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Your code", got[0].Subject)
	assert.False(t, got[0].ReceivedAt.IsZero())

	msg.To = "owner@example.com"
	w = do(r, "POST", "/api/mail/inbound", msg, "X-Inbound-Token", "inbound-secret")
	assert.Equal(t, http.StatusAccepted, w.Code)

	msg.To = "stranger@example.com"
	w = do(r, "POST", "/api/mail/inbound", msg, "X-Inbound-Token", "inbound-secret")
	assert.Equal(t, http.StatusNotFound, w.Code)

	msg.To = ""
	w = do(r, "POST", "/api/mail/inbound", msg, "X-Inbound-Token", "inbound-secret")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuth(t *testing.T) {
	auth, err := NewAuthenticator(testSecret, "autopilot", time.Hour)
	require.NoError(t, err)
	r, _ := setupTestRouter(t, WithAuth(auth))

	readTok, err := auth.Issue("viewer", ScopeRead)
	require.NoError(t, err)
	adminTok, err := auth.Issue("ops", ScopeAdmin)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, do(r, "GET", "/healthz", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "GET", "/api/tasks", nil).Code)
	assert.Equal(t, http.StatusOK, do(r, "GET", "/api/tasks", nil, "Authorization", "Bearer "+readTok).Code)

	body := gin.H{"accounts": []string{"a"}}
	assert.Equal(t, http.StatusForbidden, do(r, "POST", "/api/tasks", body, "Authorization", "Bearer "+readTok).Code)
	assert.Equal(t, http.StatusAccepted, do(r, "POST", "/api/tasks", body, "Authorization", "Bearer "+adminTok).Code)

	// The webhook has its own token.
	w := do(r, "POST", "/api/mail/inbound", mail.Message{To: "x@example.com"}, "X-Inbound-Token", "inbound-secret")
	assert.NotEqual(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticator(t *testing.T) {
	auth, err := NewAuthenticator(testSecret, "autopilot", time.Hour)
	require.NoError(t, err)

	tok, err := auth.Issue("ops", ScopeAdmin)
	require.NoError(t, err)
	claims, err := auth.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, ScopeAdmin, claims.Scope)

	other, err := NewAuthenticator("another-secret-of-32-bytes-long!", "autopilot", time.Hour)
	require.NoError(t, err)
	_, err = other.Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	foreign, err := NewAuthenticator(testSecret, "someone-else", time.Hour)
	require.NoError(t, err)
	_, err = foreign.Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	auth.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, err := auth.Issue("ops", ScopeRead)
	require.NoError(t, err)
	auth.now = time.Now
	_, err = auth.Parse(stale)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = auth.Issue("ops", "root")
	assert.Error(t, err)

	_, err = NewAuthenticator("short", "", 0)
	assert.Error(t, err)
}
