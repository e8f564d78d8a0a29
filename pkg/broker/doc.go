/*
Package broker is the state broker: a poll loop that projects store
state (queue stats, job status, worker health mirrors) into
colon-delimited topics and streams value changes to subscribers.

Subscribers get an initial snapshot of every topic their patterns
match, then incremental updates. Channels are bounded with drop-oldest
semantics so a stalled subscriber can never block the poll loop.
Consecutive events on a topic always differ in value.
*/
package broker
