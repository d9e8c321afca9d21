// Package stagehand is the coordination core of a content-generation batch
// backend. API processes submit jobs and stream status; worker processes
// execute them through an external rendering pipeline. The processes share no
// memory: Postgres holds the authoritative job state and Redis carries all
// cross-process coordination: a counting semaphore bounding expensive
// operations, sliding-window rate limiting, and a pub/sub bridge that fans
// job lifecycle events out to every interested process.
//
// # Architecture
//
// Each subsystem lives in its own package: job (records, the transition
// table, and the Store contract), store/postgres and store/memory (Store
// implementations), semaphore, ratelimit, event (local Bus plus the Redis
// Bridge), queue (durable broker glue and local pacing), worker (pool and
// executor), and engine (wiring and the submit/status/subscribe surface).
//
// Job state transitions go through a single compare-and-swap mutation path;
// a lost CAS race is benign and is never blindly retried. Event delivery is
// best-effort; current state is always recoverable by a direct status query.
package stagehand
