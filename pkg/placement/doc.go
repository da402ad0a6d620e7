/*
Package placement holds the search model of one service domain.

A Placement is built once per refresh from the engine's tables and is never
modified afterwards. Nodes, metrics, services, partitions and replicas are
addressed by integer handles (their index in the corresponding slice), so
searchers, constraints and diagnostics can key maps by int without holding
pointers into the engine's model.

A Solution overlays a Placement with the current position of every replica.
Searchers mutate it with Move, Swap, Promote and Drop; node loads,
application usage and per metric deviation sums follow each change, which
keeps Score cheap enough to evaluate per candidate. Snapshot and Restore
give searchers an undo.

Movements diffs a Solution against its Placement and yields at most one
Movement per replica: Add, Move, Swap, Promote, Drop, or a Void for a
partition whose new replicas cannot be placed.
*/
package placement
