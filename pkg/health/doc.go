/*
Package health implements the worker health monitor: a registry of
supervisable components whose liveness is judged from heartbeat frames
read over per-component pipes.

A single monitor goroutine makes every decision. Reader goroutines
decode length-prefixed msgpack frames and forward them; EOF on a pipe
is an immediate death. Missed deadlines accumulate up to the policy's
max misses; a component still starting when its startup timeout expires
also dies. The health collection receives write-through status mirrors
for operator surfaces and is never read back — timestamps in the
database are not liveness signals anywhere in nomarr.
*/
package health
