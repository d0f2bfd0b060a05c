// Package health implements the HTTP, TCP, and exec checkers behind a pod's
// declared livenessProbe and readinessProbe, plus the retry-threshold state
// machine (Status.Update) that turns a stream of Results into a single
// healthy/unhealthy verdict. The pod state machine's Running state owns one
// Status per probe and feeds failures into its restart-policy decision.
package health
