// Package orderbook holds the per-pair book of resting limit orders.
//
// Each side is a red-black tree of price levels (bids best-high, asks
// best-low) with the best level cached, and every level is a FIFO list in
// arrival order. An id index gives O(1) access for cancellation. The book
// has a single writer and no internal locking.
package orderbook
