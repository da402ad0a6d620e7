// Package snapshot holds the immutable cluster view published after every
// refresh. Load queries and trigger validation read it without taking the
// model lock.
package snapshot
