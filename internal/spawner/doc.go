// Package spawner implements the NodeSpawner external collaborator
// (spec §6): an opaque "bring up a missing shard" capability the
// coordinator's SpawnNodes strategy invokes. SubprocessSpawner is the one
// concrete implementation carried here; the coordinator only ever depends
// on the NodeSpawner/PeerHandle interfaces.
package spawner
