package routingslip

import "context"

// Subscribers implementing any subset of these interfaces are notified of
// lifecycle events in registration order. Subscriber calls are not guarded:
// a panic in a subscriber is not recovered or logged by the executor and
// propagates to the caller of Run.

type OnCompletedSubscriber interface {
	OnCompleted(ctx context.Context, slip *Slip)
}

type OnFaultedSubscriber interface {
	OnFaulted(ctx context.Context, slip *Slip, err error)
}

type OnCompensationFailedSubscriber interface {
	OnCompensationFailed(ctx context.Context, slip *Slip, failures []error)
}

type OnActivityCompletedSubscriber interface {
	OnActivityCompleted(ctx context.Context, slip *Slip, log ActivityLog)
}

type OnActivityFaultedSubscriber interface {
	OnActivityFaulted(ctx context.Context, slip *Slip, exc ActivityException)
}

type OnActivityCompensatedSubscriber interface {
	OnActivityCompensated(ctx context.Context, slip *Slip, log CompensateLog)
}

type OnTerminatedSubscriber interface {
	OnTerminated(ctx context.Context, slip *Slip)
}

func notifyCompleted(ctx context.Context, subs []any, slip *Slip) {
	for _, s := range subs {
		if sub, ok := s.(OnCompletedSubscriber); ok {
			sub.OnCompleted(ctx, slip)
		}
	}
}

func notifyFaulted(ctx context.Context, subs []any, slip *Slip, err error) {
	for _, s := range subs {
		if sub, ok := s.(OnFaultedSubscriber); ok {
			sub.OnFaulted(ctx, slip, err)
		}
	}
}

func notifyCompensationFailed(ctx context.Context, subs []any, slip *Slip, failures []error) {
	for _, s := range subs {
		if sub, ok := s.(OnCompensationFailedSubscriber); ok {
			sub.OnCompensationFailed(ctx, slip, failures)
		}
	}
}

func notifyActivityCompleted(ctx context.Context, subs []any, slip *Slip, log ActivityLog) {
	for _, s := range subs {
		if sub, ok := s.(OnActivityCompletedSubscriber); ok {
			sub.OnActivityCompleted(ctx, slip, log)
		}
	}
}

func notifyActivityFaulted(ctx context.Context, subs []any, slip *Slip, exc ActivityException) {
	for _, s := range subs {
		if sub, ok := s.(OnActivityFaultedSubscriber); ok {
			sub.OnActivityFaulted(ctx, slip, exc)
		}
	}
}

func notifyActivityCompensated(ctx context.Context, subs []any, slip *Slip, log CompensateLog) {
	for _, s := range subs {
		if sub, ok := s.(OnActivityCompensatedSubscriber); ok {
			sub.OnActivityCompensated(ctx, slip, log)
		}
	}
}

func notifyTerminated(ctx context.Context, subs []any, slip *Slip) {
	for _, s := range subs {
		if sub, ok := s.(OnTerminatedSubscriber); ok {
			sub.OnTerminated(ctx, slip)
		}
	}
}
