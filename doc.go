// Package hotswap intercepts live Go functions without restarting the
// process.
//
// An Engine rewrites a target function so that every call routes through a
// caller-supplied Interceptor before and after the original computation, then
// installs the rewritten entry using a chain of redefinition strategies. The
// most faithful strategy patches the function's machine code in place; the
// most conservative one only analyzes and logs, so installation degrades
// rather than crashing the host when the runtime refuses a real update.
// Callers must check Hook.Effective to tell a functional hook from a
// diagnostic-only one.
//
// Limitations:
//   - Only amd64 and arm64.
//   - Relies on internal Go APIs that can break at any time.
//   - Inlined functions are silently not intercepted.
//   - Variadic and generic functions are rejected.
//   - An interceptor whose code path reaches its own target recurses without
//     bound; see Interceptor.
package hotswap
