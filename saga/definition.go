package saga

import "encoding/json"

// ExecContext is handed to every binder callback (Then, Compensate) while
// executing a single event against an instance.
type ExecContext struct {
	Instance  *Instance
	EventName string
	Message   json.RawMessage

	// outbound is populated by Publish, consumed by Machine
	// after Then/TransitionTo have run and the instance has been persisted.
	outbound struct {
		messageType string
		value       any
		set         bool
	}
}

// BindMessage decodes the triggering event's payload into dst.
func (c *ExecContext) BindMessage(dst any) error {
	if len(c.Message) == 0 {
		return nil
	}
	return json.Unmarshal(c.Message, dst)
}

// State decodes the instance's current state data into dst.
func (c *ExecContext) State(dst any) error {
	return c.Instance.DecodeState(dst)
}

// SetState replaces the instance's state data.
func (c *ExecContext) SetState(state any) error {
	return c.Instance.EncodeState(state)
}

// Publish registers an outbound message to be sent after the instance is
// persisted, carrying the instance's post-save state in its saga header.
func (c *ExecContext) Publish(messageType string, value any) {
	c.outbound.messageType = messageType
	c.outbound.value = value
	c.outbound.set = true
}

// EventDef is a registered event: how to construct a fresh payload value and
// how to derive the owning instance's correlation id from it.
type EventDef struct {
	Name      string
	NewEvent  func() any
	Correlate func(event any) string
}

// Binder is the compiled behavior attached to one event name: what mutation
// to run, what to publish, what to register for compensation, what state to
// transition to, whether to finalize, and the set of predecessor states in
// which the event is accepted.
type Binder struct {
	EventName    string
	Predecessors map[string]bool

	Then         func(ctx *ExecContext) error
	Compensate   func(ctx *ExecContext) error
	TransitionTo string
	Finalize     bool
}

// Accepts reports whether currentState may accept this binder's event.
func (b *Binder) Accepts(currentState string) bool {
	return b.Predecessors[currentState]
}

// When is the fluent chain returned while configuring one event's binder.
type When struct {
	binder *Binder
}

// Then registers a pure state mutation run before persistence.
func (w *When) Then(fn func(ctx *ExecContext) error) *When {
	w.binder.Then = fn
	return w
}

// Compensate registers the compensation callback replayed if the saga later
// fails with this activity still in its compensation list.
func (w *When) Compensate(fn func(ctx *ExecContext) error) *When {
	w.binder.Compensate = fn
	return w
}

// TransitionTo assigns the instance's state after Then runs.
func (w *When) TransitionTo(state string) *When {
	w.binder.TransitionTo = state
	return w
}

// Finalize marks the saga as complete once this event is processed.
func (w *When) Finalize() *When {
	w.binder.Finalize = true
	return w
}

// Definition is a compiled state machine: every registered event and the
// binder (behavior + accepted predecessor states) attached to it.
type Definition struct {
	Name     string
	events   map[string]EventDef
	workflow map[string]*Binder
}

// NewDefinition returns an empty, named state machine definition.
func NewDefinition(name string) *Definition {
	return &Definition{
		Name:     name,
		events:   map[string]EventDef{},
		workflow: map[string]*Binder{},
	}
}

// When declares (or returns the existing) binder for eventName, registering
// its payload constructor and correlation selector the first time it's seen.
func (d *Definition) When(eventName string, newEvent func() any, correlate func(event any) string) *When {
	if _, ok := d.events[eventName]; !ok {
		d.events[eventName] = EventDef{Name: eventName, NewEvent: newEvent, Correlate: correlate}
	}
	b, ok := d.workflow[eventName]
	if !ok {
		b = &Binder{EventName: eventName, Predecessors: map[string]bool{}}
		d.workflow[eventName] = b
	}
	return &When{binder: b}
}

// Initially marks w's event as acceptable when no instance yet exists (or
// one exists but hasn't left InitialState).
func (d *Definition) Initially(w *When) *Definition {
	w.binder.Predecessors[InitialState] = true
	return d
}

// During marks every given when's event as acceptable while the instance is
// in stateName.
func (d *Definition) During(stateName string, whens ...*When) *Definition {
	for _, w := range whens {
		w.binder.Predecessors[stateName] = true
	}
	return d
}

// Event returns the registered EventDef for name, and whether it exists.
func (d *Definition) Event(name string) (EventDef, bool) {
	e, ok := d.events[name]
	return e, ok
}

// Binder returns the compiled binder for eventName, and whether it exists.
func (d *Definition) Binder(eventName string) (*Binder, bool) {
	b, ok := d.workflow[eventName]
	return b, ok
}

// AcceptsInitially reports whether eventName may create a new instance.
func (d *Definition) AcceptsInitially(eventName string) bool {
	b, ok := d.workflow[eventName]
	return ok && b.Predecessors[InitialState]
}
