package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/smilemakc/wfcore/internal/domain"
	"github.com/smilemakc/wfcore/internal/domain/errors"
)

// NodeExecutor runs the body of a single node kind. Execute receives the
// node's resolved input (the merged outputs of its predecessors, or the run
// payload for a node with no incoming edge; run variables are not merged in
// and are read from execCtx) and returns the node's output, or a structured
// error.
type NodeExecutor interface {
	Execute(ctx context.Context, execCtx *domain.ExecutionContext, node *domain.Node, input map[string]any) (map[string]any, error)
}

// Dispatcher routes a node to its NodeExecutor by kind. Unknown kinds fail
// with a non-retryable UNSUPPORTED_NODE_TYPE error, matching the closed set
// the contract declares.
type Dispatcher struct {
	executors map[domain.NodeKind]NodeExecutor
	templates *TemplateProcessor
}

// NewDispatcher wires every recognized node kind to its executor.
func NewDispatcher(httpClient *http.Client) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	templates := NewTemplateProcessor(false)
	conditions := NewConditionEvaluator(true)

	d := &Dispatcher{
		executors: make(map[domain.NodeKind]NodeExecutor),
		templates: templates,
	}

	d.executors[domain.NodeKindStart] = &startExecutor{}
	d.executors[domain.NodeKindEnd] = &endExecutor{}
	d.executors[domain.NodeKindCondition] = &conditionExecutor{conditions: conditions}
	d.executors[domain.NodeKindDelay] = &delayExecutor{}
	d.executors[domain.NodeKindParallel] = &parallelExecutor{}
	d.executors[domain.NodeKindAPICall] = &apiCallExecutor{client: httpClient, templates: templates}
	d.executors[domain.NodeKindWebhook] = &webhookExecutor{client: httpClient, templates: templates}
	d.executors[domain.NodeKindEmail] = &emailExecutor{templates: templates}
	d.executors[domain.NodeKindDataTransform] = &dataTransformExecutor{}

	integration := &integrationExecutor{}
	for _, kind := range []domain.NodeKind{
		domain.NodeKindGoogleWorkspace, domain.NodeKindMicrosoft365, domain.NodeKindSalesforce,
		domain.NodeKindUserProvision, domain.NodeKindUserDeprovision,
		domain.NodeKindLicenseAssign, domain.NodeKindLicenseRevoke,
	} {
		d.executors[kind] = integration
	}

	return d
}

// Dispatch executes node against input, or returns UNSUPPORTED_NODE_TYPE if
// its kind has no registered executor.
func (d *Dispatcher) Dispatch(ctx context.Context, execCtx *domain.ExecutionContext, node *domain.Node, input map[string]any) (map[string]any, error) {
	exec, ok := d.executors[node.Kind()]
	if !ok {
		return nil, errors.NewExecutionError(
			execCtx.WorkflowID, execCtx.RunID, node.ID(),
			errors.CodeUnsupportedNodeType, fmt.Sprintf("unrecognized node kind %q", node.Kind()),
			nil, false, errors.CategoryValidation,
		)
	}
	return exec.Execute(ctx, execCtx, node, input)
}

// startExecutor marks the run's entry point.
type startExecutor struct{}

func (e *startExecutor) Execute(_ context.Context, _ *domain.ExecutionContext, _ *domain.Node, _ map[string]any) (map[string]any, error) {
	return map[string]any{"status": "started", "timestamp": time.Now().UTC().Format(time.RFC3339Nano)}, nil
}

// endExecutor merges the incoming input with a completion marker.
type endExecutor struct{}

func (e *endExecutor) Execute(_ context.Context, _ *domain.ExecutionContext, _ *domain.Node, input map[string]any) (map[string]any, error) {
	out := mergeMaps(input)
	out["status"] = "completed"
	out["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	return out, nil
}

// conditionExecutor evaluates node.Config()["expression"] against the merged
// input and run variables, returning a boolean verdict.
type conditionExecutor struct {
	conditions *ConditionEvaluator
}

func (e *conditionExecutor) Execute(_ context.Context, execCtx *domain.ExecutionContext, node *domain.Node, input map[string]any) (map[string]any, error) {
	expression, _ := node.Config()["expression"].(string)
	if expression == "" {
		return nil, errors.NewExecutionError(
			execCtx.WorkflowID, execCtx.RunID, node.ID(),
			errors.CodeValidationFailed, "CONDITION node missing 'expression' in config",
			nil, false, errors.CategoryValidation,
		)
	}

	syntheticEdge := domain.NewEdge("", "", "", domain.EdgeConditionExpression, expression)
	taken, warning, err := e.conditions.EvaluateEdge(syntheticEdge, input, execCtx.Variables())
	if err != nil {
		return nil, errors.NewExecutionError(
			execCtx.WorkflowID, execCtx.RunID, node.ID(),
			errors.CodeInternal, err.Error(), err, false, errors.CategoryInternal,
		)
	}
	if warning != "" {
		log.Warn().Str("nodeId", node.ID()).Str("runId", execCtx.RunID).Msg(warning)
	}

	return map[string]any{
		"condition": expression,
		"result":    taken,
		"input":     input,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// delayExecutor sleeps for config["delayMs"], returning early when ctx is
// cancelled. The run's maxExecutionTimeMs deadline is not attached to ctx:
// the engine checks it before each attempt, so it does not cut a sleep short.
type delayExecutor struct{}

func (e *delayExecutor) Execute(ctx context.Context, execCtx *domain.ExecutionContext, node *domain.Node, input map[string]any) (map[string]any, error) {
	delayMs := int64(0)
	if v, ok := node.Config()["delayMs"]; ok {
		if n, ok := toInt64(v); ok {
			delayMs = n
		}
	}

	select {
	case <-time.After(time.Duration(delayMs) * time.Millisecond):
	case <-ctx.Done():
		return nil, errors.NewExecutionError(
			execCtx.WorkflowID, execCtx.RunID, node.ID(),
			errors.CodeTimeout, "DELAY interrupted by run timeout", ctx.Err(), true, errors.CategoryTimeout,
		)
	}

	out := mergeMaps(input)
	out["delayed"] = true
	out["delayMs"] = delayMs
	out["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	return out, nil
}

// parallelExecutor marks a fan-out point; the engine owns actually running
// the node's outgoing branches concurrently, so the executor itself is a
// no-op that returns immediately.
type parallelExecutor struct{}

func (e *parallelExecutor) Execute(_ context.Context, _ *domain.ExecutionContext, _ *domain.Node, input map[string]any) (map[string]any, error) {
	return mergeMaps(input), nil
}

// apiCallExecutor issues an HTTP request with {{var}} interpolation applied
// to URL, headers, and body.
type apiCallExecutor struct {
	client    *http.Client
	templates *TemplateProcessor
}

func (e *apiCallExecutor) Execute(ctx context.Context, execCtx *domain.ExecutionContext, node *domain.Node, input map[string]any) (map[string]any, error) {
	return doHTTPCall(ctx, e.client, e.templates, execCtx, node, input, "", nil)
}

// webhookExecutor is equivalent to apiCallExecutor with method=POST and a
// fixed envelope body.
type webhookExecutor struct {
	client    *http.Client
	templates *TemplateProcessor
}

func (e *webhookExecutor) Execute(ctx context.Context, execCtx *domain.ExecutionContext, node *domain.Node, input map[string]any) (map[string]any, error) {
	body := map[string]any{
		"event":     node.Config()["event"],
		"runId":     execCtx.RunID,
		"nodeId":    node.ID(),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"data":      input,
	}
	return doHTTPCall(ctx, e.client, e.templates, execCtx, node, input, http.MethodPost, body)
}

// doHTTPCall is shared by API_CALL and WEBHOOK: it interpolates the
// configured URL, headers, and body, issues the request, and classifies the
// result per the error taxonomy (5xx/connection failures retryable, 4xx
// not).
func doHTTPCall(ctx context.Context, client *http.Client, templates *TemplateProcessor, execCtx *domain.ExecutionContext, node *domain.Node, input map[string]any, methodOverride string, bodyOverride map[string]any) (map[string]any, error) {
	cfg := node.Config()
	rawURL, _ := cfg["url"].(string)
	if rawURL == "" {
		return nil, errors.NewExecutionError(
			execCtx.WorkflowID, execCtx.RunID, node.ID(),
			errors.CodeValidationFailed, fmt.Sprintf("%s node missing 'url' in config", node.Kind()),
			nil, false, errors.CategoryValidation,
		)
	}

	vars := mergeVars(execCtx.Variables(), input)
	resolvedURL, err := templates.Process(rawURL, vars)
	if err != nil {
		return nil, errors.NewExecutionError(
			execCtx.WorkflowID, execCtx.RunID, node.ID(),
			errors.CodeValidationFailed, fmt.Sprintf("failed to interpolate url: %v", err),
			err, false, errors.CategoryValidation,
		)
	}

	method := methodOverride
	if method == "" {
		method, _ = cfg["method"].(string)
		if method == "" {
			method = http.MethodGet
		}
	}

	var bodyReader io.Reader
	var bodyPayload any = bodyOverride
	if bodyPayload == nil {
		bodyPayload = cfg["body"]
	}
	if bodyPayload != nil {
		interpolated, err := templates.Process(bodyPayload, vars)
		if err != nil {
			return nil, errors.NewExecutionError(
				execCtx.WorkflowID, execCtx.RunID, node.ID(),
				errors.CodeValidationFailed, fmt.Sprintf("failed to interpolate body: %v", err),
				err, false, errors.CategoryValidation,
			)
		}
		encoded, err := json.Marshal(interpolated)
		if err != nil {
			return nil, errors.NewExecutionError(
				execCtx.WorkflowID, execCtx.RunID, node.ID(),
				errors.CodeInternal, fmt.Sprintf("failed to marshal body: %v", err),
				err, false, errors.CategoryInternal,
			)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, resolvedURL.(string), bodyReader)
	if err != nil {
		return nil, errors.NewExecutionError(
			execCtx.WorkflowID, execCtx.RunID, node.ID(),
			errors.CodeValidationFailed, fmt.Sprintf("failed to build request: %v", err),
			err, false, errors.CategoryValidation,
		)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if rawHeaders, ok := cfg["headers"].(map[string]any); ok {
		for k, v := range rawHeaders {
			s, _ := v.(string)
			interpolated, _ := templates.Process(s, vars)
			if hv, ok := interpolated.(string); ok {
				req.Header.Set(k, hv)
			}
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.NewExecutionError(
			execCtx.WorkflowID, execCtx.RunID, node.ID(),
			errors.CodeNetworkError, fmt.Sprintf("request failed: %v", err),
			err, true, errors.CategoryNetwork,
		)
	}
	defer resp.Body.Close()

	respBytes, _ := io.ReadAll(resp.Body)
	var parsed any
	if err := json.Unmarshal(respBytes, &parsed); err != nil {
		parsed = string(respBytes)
	}

	if resp.StatusCode >= 500 {
		return nil, errors.NewExecutionError(
			execCtx.WorkflowID, execCtx.RunID, node.ID(),
			errors.CodeHTTPServerError, fmt.Sprintf("server returned status %d", resp.StatusCode),
			nil, true, errors.CategoryNetwork,
		)
	}
	if resp.StatusCode >= 400 {
		return nil, errors.NewExecutionError(
			execCtx.WorkflowID, execCtx.RunID, node.ID(),
			errors.CodeHTTPClientError, fmt.Sprintf("client error, status %d", resp.StatusCode),
			nil, false, errors.CategoryValidation,
		)
	}

	return map[string]any{
		"status":     "success",
		"statusCode": resp.StatusCode,
		"body":       parsed,
	}, nil
}

// emailExecutor validates required parameters and returns a synthetic
// delivery receipt; wiring to an actual mail provider is an out-of-scope
// external collaborator.
type emailExecutor struct {
	templates *TemplateProcessor
}

func (e *emailExecutor) Execute(_ context.Context, execCtx *domain.ExecutionContext, node *domain.Node, input map[string]any) (map[string]any, error) {
	cfg := node.Config()
	to, _ := cfg["to"].(string)
	subject, _ := cfg["subject"].(string)
	if to == "" || subject == "" {
		return nil, errors.NewExecutionError(
			execCtx.WorkflowID, execCtx.RunID, node.ID(),
			errors.CodeValidationFailed, "EMAIL node requires 'to' and 'subject' in config",
			nil, false, errors.CategoryValidation,
		)
	}

	vars := mergeVars(execCtx.Variables(), input)
	resolvedTo, _ := e.templates.Process(to, vars)
	resolvedSubject, _ := e.templates.Process(subject, vars)

	return map[string]any{
		"messageId": uuid.NewString(),
		"to":        resolvedTo,
		"subject":   resolvedSubject,
		"status":    "sent",
	}, nil
}

// dataTransformExecutor applies one of a small named set of transforms to
// the incoming input.
type dataTransformExecutor struct{}

func (e *dataTransformExecutor) Execute(_ context.Context, execCtx *domain.ExecutionContext, node *domain.Node, input map[string]any) (map[string]any, error) {
	transform, _ := node.Config()["transform"].(string)

	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = applyTransform(transform, v)
	}
	return out, nil
}

func applyTransform(transform string, v any) any {
	s, isString := v.(string)
	switch transform {
	case "uppercase":
		if isString {
			return strings.ToUpper(s)
		}
		return v
	case "lowercase":
		if isString {
			return strings.ToLower(s)
		}
		return v
	case "addTimestamp":
		if m, ok := v.(map[string]any); ok {
			withTs := mergeMaps(m)
			withTs["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
			return withTs
		}
		return v
	default: // pass-through
		return v
	}
}

// integrationExecutor handles GOOGLE_WORKSPACE, MICROSOFT365, SALESFORCE,
// and the user-management kinds. It validates the parameters a real
// provider call would require and returns a structured acknowledgement;
// wiring to an actual directory/CRM provider is an out-of-scope external
// collaborator per the submission API's scope.
type integrationExecutor struct{}

func (e *integrationExecutor) Execute(_ context.Context, execCtx *domain.ExecutionContext, node *domain.Node, input map[string]any) (map[string]any, error) {
	cfg := node.Config()

	if node.Kind().IsIntegration() {
		switch node.Kind() {
		case domain.NodeKindUserProvision, domain.NodeKindUserDeprovision,
			domain.NodeKindLicenseAssign, domain.NodeKindLicenseRevoke:
			if userID, _ := cfg["userId"].(string); userID == "" {
				return nil, errors.NewExecutionError(
					execCtx.WorkflowID, execCtx.RunID, node.ID(),
					errors.CodeValidationFailed, fmt.Sprintf("%s node requires 'userId' in config", node.Kind()),
					nil, false, errors.CategoryValidation,
				)
			}
		}
	}

	return map[string]any{
		"status":   "acknowledged",
		"provider": string(node.Kind()),
		"config":   cfg,
	}, nil
}

func mergeMaps(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mergeVars(variables map[string]any, input map[string]any) map[string]any {
	out := make(map[string]any, len(variables)+len(input))
	for k, v := range variables {
		out[k] = v
	}
	for k, v := range input {
		out[k] = v
	}
	return out
}
