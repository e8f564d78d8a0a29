/*
Package worker implements the discovery worker: a loop that repeatedly
finds one unclaimed library file needing tags, claims it with a
unique-key insert, runs the injected tagging pipeline, and finalizes
the file's state with two strictly ordered writes.

Workers run in their own OS processes. That isolation is what makes a
crash mid-job safe: the claim survives the crash, the sweeper removes
it once the monitor declares the worker dead, and the file becomes
discoverable again. Within the process there is one loop plus one
heartbeat goroutine; the loop takes no locks and coordinates with
sibling workers only through the store's atomic primitives.
*/
package worker
