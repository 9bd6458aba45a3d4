package batch

// Spawner runs a flush task. The processor never waits on Spawn itself; it
// tracks completion separately so Stop can wait for in-flight flushes.
type Spawner interface {
	Spawn(task func())
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(task func())

func (f SpawnerFunc) Spawn(task func()) { f(task) }

// GoSpawner runs each task on its own goroutine.
type GoSpawner struct{}

func (GoSpawner) Spawn(task func()) { go task() }

// SyncSpawner runs each task on the caller's goroutine. Flushes then complete
// before Add returns, which makes batch contents deterministic in tests.
type SyncSpawner struct{}

func (SyncSpawner) Spawn(task func()) { task() }
