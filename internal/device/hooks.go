package device

import "time"

// ChainHooks returns hooks calling each non-nil hook of hs in order.
func ChainHooks(hs ...Hooks) Hooks {
	var out Hooks
	for _, h := range hs {
		out.OnCommand = chainCommand(out.OnCommand, h.OnCommand)
		out.OnDeliveryFailure = chain1(out.OnDeliveryFailure, h.OnDeliveryFailure)
		out.OnPropertyChange = chain1(out.OnPropertyChange, h.OnPropertyChange)
		out.OnLifecycle = chain1(out.OnLifecycle, h.OnLifecycle)
		if a, b := out.OnTaskFault, h.OnTaskFault; a == nil {
			out.OnTaskFault = b
		} else if b != nil {
			out.OnTaskFault = func(task string, err error) { a(task, err); b(task, err) }
		}
	}
	return out
}

func chain1[T any](a, b func(T)) func(T) {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(v T) { a(v); b(v) }
}

func chainCommand(a, b DispatchObserver) DispatchObserver {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(cmd Command, resp Response, elapsed time.Duration) {
		a(cmd, resp, elapsed)
		b(cmd, resp, elapsed)
	}
}
