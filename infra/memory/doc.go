// Package memory recycles engine objects whose lifetime the engine tracks
// exactly, such as orders that reached a terminal state.
package memory
