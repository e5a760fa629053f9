// Package rsqf implements a rank-select quotient filter: a compact
// approximate-membership structure over 20-byte hashes.
//
// A fingerprint is derived from each hash's own bits (SHA-1 output is
// already uniformly distributed, so no secondary hash function is
// needed) and split into a quotient, used as a slot index, and a
// remainder, stored at that slot alongside three metadata bits
// (occupied, continuation, shifted) that let Contains locate the run
// of slots holding every remainder ever inserted for a given quotient.
//
// The on-disk container is a magic number, a version, a small metadata
// block, then the filter body. OpenMMAP reads it back through a
// golang.org/x/exp/mmap mapping and, like Open, decodes the whole body
// into memory.
package rsqf
