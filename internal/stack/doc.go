// Package stack implements pure functions over the workspace parent graph.
//
// Every function takes a snapshot of entries and returns a fresh result; none
// of them touch storage. Edges are workspace names, so a snapshot can hold a
// dangling parent reference or (if it was written without validation) a
// cycle. Both are reported as *Error rather than looping or panicking.
package stack
