// Package sync drains the outbox against the remote API and reconciles the
// local snapshot with server state.
//
// # Overview
//
// Mutations made while offline (or whose remote call failed) sit in the
// outbox. The Engine delivers them in ascending id order whenever it is
// triggered:
//
//	Triggers                       Engine.Drain
//	  ├── Run: every Interval           ↓
//	  ├── Attach: monitor → online  PeekPending(BatchSize)
//	  │     (debounced TriggerSoon)     ↓ per entry, while online
//	  └── manual Drain              Gateway call → MarkSuccess / MarkFailure
//	                                    ↓ at least one success
//	                                GetBeneficiariesWithData → snapshot
//
// # Usage
//
//	engine := sync.New(sync.Deps{
//	    Queue:     queue,
//	    Local:     store,
//	    Snapshots: snapshots,
//	    Gateway:   client,
//	    Monitor:   monitor,
//	}, sync.DefaultConfig(), logger, m)
//
//	engine.Attach(monitor)
//	go engine.Run(ctx)
//
//	// Manual trigger
//	result, err := engine.Drain(ctx)
//
// # Error Handling
//
// A failed entry is recorded (try_count+1, last_error) and the cycle moves
// on to the next one; no entry is ever discarded. Updates and sub-records
// resolve the beneficiary's server id from the local store at delivery time,
// so an entry whose CREATE is still queued fails with
// ErrUnresolvedBeneficiary and is retried on a later cycle.
//
// # Concurrency
//
// At most one drain runs at a time. A trigger that arrives during a drain
// returns ErrDrainInProgress immediately rather than queueing behind it.
// Before each entry the engine re-checks reachability and abandons the rest
// of the batch, untouched, when the device has gone offline.
package sync
