// Package pipeline is the client API of the engine.
//
// A [Session] hands out immutable handles. Every With* call returns a new
// handle describing one more operation; nothing runs until a terminal call
// such as [Container.Stdout] forces the graph below the handle to execute.
// Operations are content addressed, so the same chain built twice is the
// same operation and executes once.
//
// Example usage:
//
//	s, err := pipeline.Connect(ctx)
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	out, err := s.Container().
//	    From("alpine:3.20").
//	    WithExec([]string{"echo", "hi"}).
//	    Stdout(ctx)
//
// Construction never fails on its own. An invalid operation, such as an
// exec with an empty command, poisons the handle and every handle derived
// from it; the error is returned by the first terminal call.
package pipeline
