// Package proc spawns and supervises worker processes. A parent holds a
// Tree, which owns the per-tree singletons (event broker, heartbeat
// relay), and calls Spawn to launch workers. A worker binary calls Connect
// with the argv its parent passed, then Run to execute the unit it was
// spawned for.
//
// Units are looked up by name in an explicit Registry that parent and
// child both populate, normally by registering the same units in shared
// package init code of a single binary.
package proc
