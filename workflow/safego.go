package workflow

import (
	"fmt"
	"runtime/debug"
)

// SafeGo runs fn in a new goroutine with panic recovery. A recovered panic is
// converted to an error and passed to onPanic together with the stack trace.
func SafeGo(fn func(), onPanic func(err error)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if onPanic != nil {
					onPanic(fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
				}
			}
		}()
		fn()
	}()
}
