package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pulsecrm/internal/models"
	"pulsecrm/internal/pkg/httpclient"
)

// triggerTimeout bounds every workflow call. An unbounded call would
// permanently occupy the job key's executing slot.
const triggerTimeout = 30 * time.Second

const (
	TriggerSourceScheduled = "scheduled"
	TriggerSourceManual    = "manual"
)

// TriggerPayload is the body sent to the external workflow endpoint.
type TriggerPayload struct {
	TenantID          uint                `json:"tenant_id"`
	UserID            uint                `json:"user_id"`
	IsLive            bool                `json:"is_live"`
	ScheduleType      models.ScheduleType `json:"schedule_type"`
	TriggerSource     string              `json:"trigger_source"`
	CallbackURL       string              `json:"callback_url"`
	SchedulerConfigID uint                `json:"scheduler_config_id"`
}

// TriggerResult is the interpreted outcome of one workflow call.
// IDSynthesized reports that the workflow response carried no execution id
// and a local one was generated instead.
type TriggerResult struct {
	Success             bool   `json:"success"`
	ExternalExecutionID string `json:"external_execution_id"`
	IDSynthesized       bool   `json:"id_synthesized"`
	Err                 string `json:"error,omitempty"`
}

// WorkflowTrigger invokes the external workflow system. It is the sole
// integration point with that system and is substituted with a double in
// tests.
type WorkflowTrigger interface {
	Trigger(ctx context.Context, target string, payload TriggerPayload) TriggerResult
}

// HTTPWorkflowTrigger calls the workflow endpoint over HTTP. Any 2xx
// response is success; everything else (non-2xx, network error, timeout)
// is failure.
type HTTPWorkflowTrigger struct {
	client *httpclient.Client
	logger *zap.Logger
}

func NewHTTPWorkflowTrigger(logger *zap.Logger) *HTTPWorkflowTrigger {
	return &HTTPWorkflowTrigger{
		client: httpclient.New().WithTimeout(triggerTimeout),
		logger: logger,
	}
}

func (t *HTTPWorkflowTrigger) Trigger(ctx context.Context, target string, payload TriggerPayload) TriggerResult {
	resp, err := t.client.Request().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(target)
	if err != nil {
		t.logger.Debug("Workflow trigger request failed",
			zap.String("target", target),
			zap.Error(err),
		)
		return TriggerResult{Err: err.Error()}
	}

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return TriggerResult{Err: fmt.Sprintf("workflow returned status %d", resp.StatusCode())}
	}

	if id := extractExecutionID(resp.Body()); id != "" {
		return TriggerResult{Success: true, ExternalExecutionID: id}
	}
	return TriggerResult{
		Success:             true,
		ExternalExecutionID: uuid.New().String(),
		IDSynthesized:       true,
	}
}

// extractExecutionID optimistically pulls an execution identifier out of the
// workflow response body. Workflows are loose about the field name and type.
func extractExecutionID(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}

	for _, key := range []string{"execution_id", "executionId", "id"} {
		if id := stringValue(payload[key]); id != "" {
			return id
		}
	}
	return ""
}

func stringValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return ""
	}
}
