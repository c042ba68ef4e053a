// Package replication distributes networked object state across
// connections. A server spawns objects, detects per-property changes
// against a baseline, and broadcasts full or delta state; remote peers
// recreate objects through registered factories and apply updates only
// when they do not hold authority over the object.
package replication
