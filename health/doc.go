// Package health reports whether the messaging layer can serve traffic and
// hooks it into the process lifecycle.
//
// A Registry runs named Checkers concurrently and combines their results:
// any unhealthy check makes the whole service unhealthy, any degraded check
// makes it degraded. Checkers are provided for the broker connection, the
// channel pool, queue depth and running subscribers.
//
// Lifecycle verifies health at startup and, at shutdown, stops consumers
// before closing the pool and the connection.
package health
