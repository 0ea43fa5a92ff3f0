// Package dbstream bridges a synchronous, callback-driven market-data
// retrieval library into pull-based streams of caller-owned records.
//
// The wrapped library delivers records by invoking a callback on its own
// call stack, with record memory valid only for the duration of each
// invocation. The bridge runs each blocking streaming call on a dedicated
// goroutine, copies every record out of callback-lifetime memory sized by
// the record's self-declared length, and hands the copies to the consumer
// through a bounded FIFO:
//
//	client, err := dbstream.Open(ctx, driver, cfg)
//	if err != nil { ... }
//	defer client.Close()
//
//	stream, err := client.OpenStream(ctx, native.StreamRequest{
//		Schema:  "trades",
//		Symbols: []string{"ES.FUT"},
//	})
//	if err != nil { ... }
//
//	for {
//		rec, err := stream.Next(ctx)
//		if errors.Is(err, dberrors.ErrEndOfStream) {
//			break
//		}
//		if err != nil { ... }
//		process(rec)
//	}
//
// Failures inside a call never unwind through the native frame: they travel
// as data and surface as the stream's terminal outcome, strictly after every
// record produced before the failure. Diagnostics emitted by the native
// library mid-call are routed to a mandatory, panic-proof sink (see the diag
// package). Native faults — memory corruption inside the wrapped library —
// are not catchable from Go; the isolate package runs the driver in a
// separate process so a fault costs that process, not this one.
package dbstream
