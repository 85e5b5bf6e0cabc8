package router

import "fmt"

// Typed adapts fn into a Handler that decodes the validated payload into T
// first. A decode failure is reported as a handler error.
func Typed[T any](fn func(Event, T) error) Handler {
	return func(ev Event) error {
		var v T
		if err := ev.Decode(&v); err != nil {
			return fmt.Errorf("decode %s/%s into %T: %w", ev.Topic, ev.Name, v, err)
		}
		return fn(ev, v)
	}
}
