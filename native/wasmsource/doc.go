// Package wasmsource loads a native event source from a WebAssembly
// artifact, using wazero.
//
// # ABI (version 1)
//
// The guest module must export:
//
//	create_context() -> i32      ; handle, negative on failure
//	poll_once(handle i32) -> i32 ; 0 NoEvent, 1 EventConsumed, else FatalError
//
// It may also export:
//
//	post_empty_event(handle i32) ; enables native.Waker
//	abi_version() -> i32         ; must return 1
//
// And it may import, from the "winloop" host module:
//
//	log(level i32, ptr i32, len i32) ; 0 debug, 1 info, 2 warning, 3+ error
//
// Every poll_once call runs with a deadline (see Loader.PollBudget). A guest
// that overruns it is terminated, and the poll reported as a FatalError.
package wasmsource
