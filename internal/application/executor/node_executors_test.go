package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/wfcore/internal/domain"
	domainerrors "github.com/smilemakc/wfcore/internal/domain/errors"
)

func newExecCtx() *domain.ExecutionContext {
	return domain.NewExecutionContext("run-1", "wf-1", "tenant-1", nil, nil, nil, time.Now().UTC(), 30_000)
}

func TestAPICallExecutor_ServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	d := NewDispatcher(nil)
	node := domain.NewNode("a", domain.NodeKindAPICall, "a", map[string]any{"url": server.URL})

	_, err := d.Dispatch(context.Background(), newExecCtx(), node, nil)
	require.Error(t, err)

	execErr, ok := err.(*domainerrors.ExecutionError)
	require.True(t, ok)
	assert.True(t, execErr.Retryable)
	assert.Equal(t, domainerrors.CodeHTTPServerError, execErr.Code)
}

func TestAPICallExecutor_ClientErrorIsNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	d := NewDispatcher(nil)
	node := domain.NewNode("a", domain.NodeKindAPICall, "a", map[string]any{"url": server.URL})

	_, err := d.Dispatch(context.Background(), newExecCtx(), node, nil)
	require.Error(t, err)

	execErr, ok := err.(*domainerrors.ExecutionError)
	require.True(t, ok)
	assert.False(t, execErr.Retryable)
	assert.Equal(t, domainerrors.CodeHTTPClientError, execErr.Code)
}

func TestAPICallExecutor_SuccessReturnsParsedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	d := NewDispatcher(nil)
	node := domain.NewNode("a", domain.NodeKindAPICall, "a", map[string]any{"url": server.URL})

	out, err := d.Dispatch(context.Background(), newExecCtx(), node, nil)
	require.NoError(t, err)
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, http.StatusOK, out["statusCode"])
	assert.Equal(t, map[string]any{"ok": true}, out["body"])
}

func TestEmailExecutor_RequiresToAndSubject(t *testing.T) {
	d := NewDispatcher(nil)

	node := domain.NewNode("a", domain.NodeKindEmail, "a", map[string]any{"subject": "hi"})
	_, err := d.Dispatch(context.Background(), newExecCtx(), node, nil)
	require.Error(t, err)
	execErr, ok := err.(*domainerrors.ExecutionError)
	require.True(t, ok)
	assert.Equal(t, domainerrors.CodeValidationFailed, execErr.Code)

	node = domain.NewNode("a", domain.NodeKindEmail, "a", map[string]any{"to": "user@example.com"})
	_, err = d.Dispatch(context.Background(), newExecCtx(), node, nil)
	require.Error(t, err)
}

func TestEmailExecutor_SendsWithInterpolatedFields(t *testing.T) {
	d := NewDispatcher(nil)
	node := domain.NewNode("a", domain.NodeKindEmail, "a", map[string]any{
		"to":      "{{userEmail}}",
		"subject": "Welcome, {{userName}}",
	})
	input := map[string]any{"userEmail": "ada@example.com", "userName": "Ada"}

	out, err := d.Dispatch(context.Background(), newExecCtx(), node, input)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", out["to"])
	assert.Equal(t, "Welcome, Ada", out["subject"])
	assert.Equal(t, "sent", out["status"])
	assert.NotEmpty(t, out["messageId"])
}

func TestIntegrationExecutor_RequiresUserIDForUserManagementKinds(t *testing.T) {
	d := NewDispatcher(nil)

	for _, kind := range []domain.NodeKind{
		domain.NodeKindUserProvision, domain.NodeKindUserDeprovision,
		domain.NodeKindLicenseAssign, domain.NodeKindLicenseRevoke,
	} {
		node := domain.NewNode("a", kind, "a", nil)
		_, err := d.Dispatch(context.Background(), newExecCtx(), node, nil)
		require.Error(t, err, "kind %s should require userId", kind)
		execErr, ok := err.(*domainerrors.ExecutionError)
		require.True(t, ok)
		assert.Equal(t, domainerrors.CodeValidationFailed, execErr.Code)
	}
}

func TestIntegrationExecutor_AcknowledgesWithUserID(t *testing.T) {
	d := NewDispatcher(nil)
	node := domain.NewNode("a", domain.NodeKindUserProvision, "a", map[string]any{"userId": "u-1"})

	out, err := d.Dispatch(context.Background(), newExecCtx(), node, nil)
	require.NoError(t, err)
	assert.Equal(t, "acknowledged", out["status"])
	assert.Equal(t, string(domain.NodeKindUserProvision), out["provider"])
}

func TestIntegrationExecutor_NonUserManagementKindNeedsNoUserID(t *testing.T) {
	d := NewDispatcher(nil)
	node := domain.NewNode("a", domain.NodeKindGoogleWorkspace, "a", nil)

	out, err := d.Dispatch(context.Background(), newExecCtx(), node, nil)
	require.NoError(t, err)
	assert.Equal(t, "acknowledged", out["status"])
}

func TestDataTransformExecutor_Uppercase(t *testing.T) {
	d := NewDispatcher(nil)
	node := domain.NewNode("a", domain.NodeKindDataTransform, "a", map[string]any{"transform": "uppercase"})

	out, err := d.Dispatch(context.Background(), newExecCtx(), node, map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "ADA", out["name"])
}

func TestDataTransformExecutor_Lowercase(t *testing.T) {
	d := NewDispatcher(nil)
	node := domain.NewNode("a", domain.NodeKindDataTransform, "a", map[string]any{"transform": "lowercase"})

	out, err := d.Dispatch(context.Background(), newExecCtx(), node, map[string]any{"name": "ADA"})
	require.NoError(t, err)
	assert.Equal(t, "ada", out["name"])
}

func TestDataTransformExecutor_AddTimestamp(t *testing.T) {
	d := NewDispatcher(nil)
	node := domain.NewNode("a", domain.NodeKindDataTransform, "a", map[string]any{"transform": "addTimestamp"})

	out, err := d.Dispatch(context.Background(), newExecCtx(), node, map[string]any{"record": map[string]any{"id": "1"}})
	require.NoError(t, err)
	record, ok := out["record"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1", record["id"])
	assert.NotEmpty(t, record["timestamp"])
}

func TestDataTransformExecutor_PassThroughForUnknownTransform(t *testing.T) {
	d := NewDispatcher(nil)
	node := domain.NewNode("a", domain.NodeKindDataTransform, "a", map[string]any{"transform": "nonsense"})

	out, err := d.Dispatch(context.Background(), newExecCtx(), node, map[string]any{"name": "ada", "count": 3})
	require.NoError(t, err)
	assert.Equal(t, "ada", out["name"])
	assert.Equal(t, 3, out["count"])
}

func TestDispatcher_UnsupportedNodeKind(t *testing.T) {
	d := NewDispatcher(nil)
	node := domain.NewNode("a", domain.NodeKind("BOGUS"), "a", nil)

	_, err := d.Dispatch(context.Background(), newExecCtx(), node, nil)
	require.Error(t, err)
	execErr, ok := err.(*domainerrors.ExecutionError)
	require.True(t, ok)
	assert.Equal(t, domainerrors.CodeUnsupportedNodeType, execErr.Code)
}
