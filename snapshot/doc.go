// Package snapshot persists engine checkpoints. A checkpoint is the full
// engine state as of one entry-WAL sequence; recovery loads the newest one
// and replays the log after it.
package snapshot
