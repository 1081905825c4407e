// Package eventloop provides a single-goroutine cooperative scheduler.
//
// Every task posted to a Loop, and every timer callback, runs on the same
// goroutine, one after another. Code driven by a loop can therefore keep its
// state in plain fields without locks, as long as it only touches that state
// from tasks.
//
// The only scheduling primitive consumers need is "run this again after d":
//
//	loop := eventloop.New(clock.New())
//	loop.After(time.Second, func() { ... })
//	go loop.Run(ctx)
//
// Tests drive a loop deterministically with a mock clock and RunDue:
//
//	mock := clock.NewMock()
//	loop := eventloop.New(mock)
//	loop.After(5*time.Second, fn)
//	mock.Add(5 * time.Second)
//	loop.RunDue() // runs fn on the calling goroutine
package eventloop
