// Package domain defines the core types shared across the sybilscan
// pipeline: probe targets, discovery events, persisted node records,
// and the derived concentration/report values.
package domain
