package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sinas-platform/sinas/engine/backend"
	"github.com/sinas-platform/sinas/engine/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWebhookRegistry struct {
	records map[string]*WebhookRecord
}

func (r *fakeWebhookRegistry) Lookup(_ context.Context, path, method string) (*WebhookRecord, error) {
	record, ok := r.records[method+" "+path]
	if !ok {
		return nil, ErrWebhookNotFound
	}
	return record, nil
}

type fakeAuthorizer struct{}

func (a *fakeAuthorizer) Authorize(_ context.Context, credential string, record *WebhookRecord) (string, error) {
	switch credential {
	case "good-token":
		return "caller", nil
	case "no-perm-token":
		return "", ErrForbidden
	default:
		return "", ErrUnauthorized
	}
}

func newWebhookRouter(t *testing.T, env *triggerEnv, records map[string]*WebhookRecord, timeout time.Duration) *gin.Engine {
	t.Helper()
	handler := NewWebhookHandler(&fakeWebhookRegistry{records: records}, &fakeAuthorizer{}, env.dispatcher, timeout)
	router := gin.New()
	handler.Register(router.Group("/hooks"))
	return router
}

func postHook(router *gin.Engine, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestWebhookHandler(t *testing.T) {
	fn := core.FunctionRef{Namespace: "billing", Name: "invoice_paid"}
	record := &WebhookRecord{
		ID:       core.MustNewID(),
		Path:     "billing/paid",
		Method:   http.MethodPost,
		Function: fn,
		Active:   true,
	}
	t.Run("Should execute the hook function and return its result", func(t *testing.T) {
		env := newTriggerEnv(t)
		env.backend.Register(fn, func(_ context.Context, ic *backend.InvocationContext) (*backend.Outcome, error) {
			return backend.Complete(core.Output{"invoice": ic.Input["invoice"]}), nil
		})
		router := newWebhookRouter(t, env, map[string]*WebhookRecord{"POST billing/paid": record}, 5*time.Second)
		rec := postHook(router, "/hooks/billing/paid", "", map[string]any{"invoice": "INV-7"})
		require.Equal(t, http.StatusOK, rec.Code)
		var resp WebhookResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.False(t, resp.ExecutionID.IsZero())
		require.NotNil(t, resp.Result)
		assert.Equal(t, "INV-7", (*resp.Result)["invoice"])
		stored, err := env.repo.GetExecution(context.Background(), resp.ExecutionID)
		require.NoError(t, err)
		assert.Equal(t, core.TriggerWebhook, stored.TriggerType)
		assert.Equal(t, record.ID.String(), stored.TriggerID)
	})
	t.Run("Should return 404 for an unknown hook", func(t *testing.T) {
		env := newTriggerEnv(t)
		router := newWebhookRouter(t, env, map[string]*WebhookRecord{}, time.Second)
		rec := postHook(router, "/hooks/nope", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
	t.Run("Should return 404 for an inactive hook", func(t *testing.T) {
		env := newTriggerEnv(t)
		inactive := *record
		inactive.Active = false
		router := newWebhookRouter(t, env, map[string]*WebhookRecord{"POST billing/paid": &inactive}, time.Second)
		rec := postHook(router, "/hooks/billing/paid", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
	t.Run("Should return 401 without a valid credential", func(t *testing.T) {
		env := newTriggerEnv(t)
		secured := *record
		secured.RequireAuth = true
		records := map[string]*WebhookRecord{"POST billing/paid": &secured}
		router := newWebhookRouter(t, env, records, time.Second)
		assert.Equal(t, http.StatusUnauthorized, postHook(router, "/hooks/billing/paid", "", nil).Code)
		assert.Equal(t, http.StatusUnauthorized, postHook(router, "/hooks/billing/paid", "bad-token", nil).Code)
	})
	t.Run("Should return 403 when the credential lacks execute permission", func(t *testing.T) {
		env := newTriggerEnv(t)
		secured := *record
		secured.RequireAuth = true
		router := newWebhookRouter(t, env, map[string]*WebhookRecord{"POST billing/paid": &secured}, time.Second)
		rec := postHook(router, "/hooks/billing/paid", "no-perm-token", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
	t.Run("Should return 500 with the error when the function fails", func(t *testing.T) {
		env := newTriggerEnv(t)
		env.backend.Register(fn, func(_ context.Context, _ *backend.InvocationContext) (*backend.Outcome, error) {
			return nil, core.NewBackendError("no such invoice", "")
		})
		router := newWebhookRouter(t, env, map[string]*WebhookRecord{"POST billing/paid": record}, 5*time.Second)
		rec := postHook(router, "/hooks/billing/paid", "", nil)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		var resp WebhookResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Success)
		assert.Equal(t, "no such invoice", resp.Error)
	})
	t.Run("Should return 202 with the id when the wait times out", func(t *testing.T) {
		env := newTriggerEnv(t)
		env.backend.Register(fn, func(ctx context.Context, _ *backend.InvocationContext) (*backend.Outcome, error) {
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
			}
			return backend.Complete(core.Output{}), nil
		})
		router := newWebhookRouter(t, env, map[string]*WebhookRecord{"POST billing/paid": record}, 100*time.Millisecond)
		rec := postHook(router, "/hooks/billing/paid", "", nil)
		require.Equal(t, http.StatusAccepted, rec.Code)
		var resp WebhookResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.ExecutionID.IsZero())
	})
}
