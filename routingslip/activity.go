package routingslip

// Activity is a unit of work in a routing slip's itinerary.
type Activity interface {
	Execute(ctx *ExecuteContext) Result
}

// Compensable is implemented by activities that register a compensating
// action alongside their forward execution.
type Compensable interface {
	Activity
	Compensate(ctx *CompensateContext) error
}

// Factory constructs a fresh Activity instance, looked up by the registered
// name of an itinerary step.
type Factory func() Activity

// ExecuteContext is handed to an activity's Execute call: its declared
// arguments and a private copy of the slip's variable bag. The outcome is
// reported with the package-level result builders (Completed,
// CompletedWithVariables, Faulted, Terminated).
type ExecuteContext struct {
	TrackingNumber string
	CorrelationID  string
	Args           map[string]any
	Variables      map[string]any
}

// CompensateContext is handed to an activity's Compensate call: the
// compensation log it recorded on completion, and the variable bag as it
// stood when compensation began.
type CompensateContext struct {
	TrackingNumber  string
	CorrelationID   string
	CompensationLog map[string]any
	Variables       map[string]any
}

// ResultKind distinguishes the three ways an activity's Execute can end.
type ResultKind int

const (
	ResultComplete ResultKind = iota
	ResultFault
	ResultTerminate
)

// Result is returned by Activity.Execute to tell the executor what happened.
type Result struct {
	Kind            ResultKind
	Variables       map[string]any
	CompensationLog map[string]any
	Err             error
}

// Completed reports successful execution with no variable changes, and an
// optional compensation log to replay if a later step faults.
func Completed(compensationLog map[string]any) Result {
	return Result{Kind: ResultComplete, CompensationLog: compensationLog}
}

// CompletedWithVariables reports successful execution that also merges vars
// into the slip's variable bag (last writer wins across steps).
func CompletedWithVariables(vars, compensationLog map[string]any) Result {
	return Result{Kind: ResultComplete, Variables: vars, CompensationLog: compensationLog}
}

// Faulted reports that the activity failed and the slip should begin
// reverse compensation.
func Faulted(err error) Result {
	return Result{Kind: ResultFault, Err: err}
}

// Terminated reports that the activity wants the slip to stop without
// compensating.
func Terminated() Result {
	return Result{Kind: ResultTerminate}
}
