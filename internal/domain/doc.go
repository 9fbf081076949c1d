/*
Package domain contains the core entities shared across the request
dispatcher: backend configuration, request envelopes, priorities and
tiers, status reports, and the transport contract.

The package has no dependencies on the other internal packages so that
every layer (queue, balancer, backend, resolver) can exchange these
types without import cycles.

Request flow types:

A RequestEnvelope is the immutable unit of work a caller hands to
Dispatch. It carries the target capability, a priority lane for the
scheduler, an optional cache fingerprint, and an optional deadline:

	env := domain.NewEnvelope("chat-completion", "POST", payload, domain.PriorityHigh)
	env.Deadline = time.Now().Add(2 * time.Second)

A Result is produced once per dispatch, whether the payload came from
a live backend call or the response cache.

Backend configuration:

BackendConfig is created once from external configuration and never
mutated. WithDefaults fills operational defaults for tuning fields the
operator left unset, so downstream components can assume sane values.
*/
package domain
