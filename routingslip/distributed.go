package routingslip

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/timour/txbus/common/metrics"
	"github.com/timour/txbus/envelope"
)

// Transport is the narrow slice of broker.Transport the distributed
// executor needs: a fire-and-forget publish for compensate messages, and a
// request/reply publish for execute round trips.
type Transport interface {
	Publish(ctx context.Context, messageType string, payload any) error
	PublishAsync(ctx context.Context, messageType string, payload any, timeout time.Duration) (*envelope.Envelope, error)
}

// ActivityExecuteRequest is published to an activity's execute queue.
type ActivityExecuteRequest struct {
	TrackingNumber string         `json:"trackingNumber"`
	CorrelationID  string         `json:"correlationId"`
	ActivityName   string         `json:"activityName"`
	Args           map[string]any `json:"args"`
	Variables      map[string]any `json:"variables"`
}

// ActivityExecuteResponse is the matched reply to an ActivityExecuteRequest.
type ActivityExecuteResponse struct {
	TrackingNumber  string         `json:"trackingNumber"`
	ActivityName    string         `json:"activityName"`
	ExecutionID     string         `json:"executionId"`
	Success         bool           `json:"success"`
	ResultType      string         `json:"resultType"`
	CompensationLog map[string]any `json:"compensationLog,omitempty"`
	Variables       map[string]any `json:"variables,omitempty"`
	Error           string         `json:"error,omitempty"`
	Duration        time.Duration  `json:"duration"`
	Timestamp       time.Time      `json:"timestamp"`
	CorrelationID   string         `json:"correlationId"`
}

// ActivityCompensateRequest is published to an activity's compensate queue.
// There is no reply: compensation failures are reported via the
// OnCompensationFailed lifecycle event, never back to the caller.
type ActivityCompensateRequest struct {
	TrackingNumber  string         `json:"trackingNumber"`
	ActivityName    string         `json:"activityName"`
	CompensationLog map[string]any `json:"compensationLog,omitempty"`
	Variables       map[string]any `json:"variables"`
	Timestamp       time.Time      `json:"timestamp"`
	CorrelationID   string         `json:"correlationId"`
}

// DistributedExecutor mirrors Executor's forward/compensate loop, but
// dispatches each step over the broker instead of invoking an in-process
// Activity, so individual activities can scale horizontally as separate
// consumers.
type DistributedExecutor struct {
	Transport    Transport
	Prefix       string
	ReplyTimeout time.Duration
	Subscribers  []any
	Metrics      *metrics.RoutingSlipMetrics
	Log          *slog.Logger
}

func (e *DistributedExecutor) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// ExecuteQueue returns the provisioned execute queue/message-type name for
// an activity.
func (e *DistributedExecutor) ExecuteQueue(activityName string) string {
	return fmt.Sprintf("%s_%s_execute", e.Prefix, kebab(activityName))
}

// CompensateQueue returns the provisioned compensate queue/message-type name
// for an activity.
func (e *DistributedExecutor) CompensateQueue(activityName string) string {
	return fmt.Sprintf("%s_%s_compensate", e.Prefix, kebab(activityName))
}

// Run executes slip's itinerary by publishing an ActivityExecuteRequest to
// each step's execute queue and awaiting its ActivityExecuteResponse.
func (e *DistributedExecutor) Run(ctx context.Context, slip *Slip) error {
	for !slip.Done() {
		step := slip.Itinerary[slip.Index]

		req := ActivityExecuteRequest{
			TrackingNumber: slip.TrackingNumber,
			CorrelationID:  slip.CorrelationID,
			ActivityName:   step.ActivityName,
			Args:           step.Args,
			Variables:      cloneVariables(slip.Variables),
		}

		start := time.Now()
		replyEnv, err := e.Transport.PublishAsync(ctx, e.ExecuteQueue(step.ActivityName), req, e.ReplyTimeout)
		if err != nil {
			return e.fault(ctx, slip, step, err)
		}
		var resp ActivityExecuteResponse
		if err := replyEnv.Unmarshal(&resp); err != nil {
			return e.fault(ctx, slip, step, fmt.Errorf("routingslip: decode execute response: %w", err))
		}
		duration := time.Since(start)
		if e.Metrics != nil {
			e.Metrics.RecordActivity(step.ActivityName, duration)
		}

		switch resp.ResultType {
		case "Complete":
			if resp.Variables != nil {
				for k, v := range resp.Variables {
					slip.Variables[k] = v
				}
			}
			slip.ActivityLogs = append(slip.ActivityLogs, ActivityLog{
				ActivityName:    step.ActivityName,
				Timestamp:       time.Now().UTC(),
				Duration:        duration,
				CompensationLog: resp.CompensationLog,
			})
			notifyActivityCompleted(ctx, e.Subscribers, slip, slip.ActivityLogs[len(slip.ActivityLogs)-1])
			slip.Index++

		case "Terminate":
			notifyTerminated(ctx, e.Subscribers, slip)
			return nil

		default:
			return e.fault(ctx, slip, step, fmt.Errorf("routingslip: %s", resp.Error))
		}
	}

	if e.Metrics != nil {
		e.Metrics.SlipsCompleted.Inc()
	}
	notifyCompleted(ctx, e.Subscribers, slip)
	return nil
}

func (e *DistributedExecutor) fault(ctx context.Context, slip *Slip, step ItineraryStep, cause error) error {
	slip.ActivityExceptions = append(slip.ActivityExceptions, ActivityException{
		ActivityName: step.ActivityName,
		Timestamp:    time.Now().UTC(),
		Error:        cause.Error(),
	})
	if e.Metrics != nil {
		e.Metrics.ActivitiesFaulted.Inc()
	}
	notifyActivityFaulted(ctx, e.Subscribers, slip, slip.ActivityExceptions[len(slip.ActivityExceptions)-1])

	e.compensate(ctx, slip)

	if e.Metrics != nil {
		e.Metrics.SlipsFaulted.Inc()
	}
	notifyFaulted(ctx, e.Subscribers, slip, cause)
	return cause
}

func (e *DistributedExecutor) compensate(ctx context.Context, slip *Slip) {
	slip.Compensating = true
	var failures []error

	for i := len(slip.ActivityLogs) - 1; i >= 0; i-- {
		log := slip.ActivityLogs[i]
		req := ActivityCompensateRequest{
			TrackingNumber:  slip.TrackingNumber,
			CorrelationID:   slip.CorrelationID,
			ActivityName:    log.ActivityName,
			CompensationLog: log.CompensationLog,
			Variables:       cloneVariables(slip.Variables),
			Timestamp:       time.Now().UTC(),
		}
		if err := e.Transport.Publish(ctx, e.CompensateQueue(log.ActivityName), req); err != nil {
			e.log().Error("routing slip distributed compensation publish failed",
				slog.String("activity", log.ActivityName), slog.Any("error", err))
			failures = append(failures, fmt.Errorf("%s: %w", log.ActivityName, err))
			continue
		}

		entry := CompensateLog{ActivityName: log.ActivityName, Timestamp: time.Now().UTC()}
		slip.CompensateLogs = append(slip.CompensateLogs, entry)
		notifyActivityCompensated(ctx, e.Subscribers, slip, entry)
	}

	if len(failures) > 0 {
		if e.Metrics != nil {
			e.Metrics.CompensationsFailed.Inc()
		}
		notifyCompensationFailed(ctx, e.Subscribers, slip, failures)
	}
}

// kebab converts a PascalCase or camelCase activity name into its
// kebab-case queue-segment form, e.g. "ProcessPayment" -> "process-payment".
func kebab(name string) string {
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
