/*
Package domain partitions services into independently scheduled domains.

Domains are the connected components of a metric graph. Each service adds a
vertex of its own, joined to each of its metrics, to its affinity parent and
to its application when the application limits scaleout or capacity. Edges
and vertices are reference counted, so removing a service removes exactly
what it added.

Adding a service that touches several domains merges them into the largest
one. Removing a service never splits eagerly: when splitting is enabled and
the remaining metrics are disconnected, the domain is queued and
ProcessSplits later tears it down and re-inserts every service, letting the
graph redistribute them. Services without metrics carry the built-in Count
metric and therefore share a domain.
*/
package domain
