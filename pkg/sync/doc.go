/*
The sync package keeps a package installed in a consumer mirrored against
the package's live source, so that edits to the source are visible to the
consumer as if the package had been freshly installed.

There are three trees involved:
1) The source -- The package as the developer edits it, including its own
   installed dependencies.
2) The mirror -- The package as it's installed in the consumer, at
   consumer/node_modules/<name>. It's a projection of the source, and is
   never edited directly.
3) The link farm -- The mirror's own node_modules. It links to each of the
   source's installed dependencies, except for the package's peer
   dependencies. Peers are resolved from the consumer instead so that only
   one instance of each is ever loaded.

The mirror is built in one of two ways:
1) Link mode -- Each top-level entry of the source is linked into the
   mirror. Changes within those entries are visible through the links, so
   only additions and removals at the top level need to be reacted to.
2) Copy mode -- The source is copied into the mirror, and every change is
   copied across as it happens.

Once the mirror is built, a Task watches the source and applies each change
to the mirror. Changes are applied by comparing the current state of the
changed path in the source and the mirror, rather than by replaying the
event, so the mirror converges regardless of the order events arrive in.
Changes to the source's manifest rebuild the link farm, rate limited so that
a burst of changes results in a single rebuild.

When the Task is closed, either directly or by a shutdown signal, it stops
watching before removing the mirror so that no change can be applied after
the revert begins.
*/
package sync
