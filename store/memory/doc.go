// Package memory provides volatile, process-local implementations of the
// core.ThreadStore and core.FileStore ports. They are safe for concurrent
// access and copy data on the way in and out, which makes them suitable for
// tests, examples and single-process deployments.
package memory
