// Package domain defines the co-design session model: sessions, phases,
// participant roles, and the real-time protocol envelope.
//
// The types here are deliberately storage-agnostic. Phase transitions are
// decided by the phase package and persisted through the storage interfaces;
// nothing in this package performs I/O.
package domain
