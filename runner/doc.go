// Package runner executes agents against persisted threads.
//
// A Runner resolves a thread id through a core.ThreadStore, offloads new
// attachment bytes to a core.FileStore, appends the user input, runs the
// agent in complete or streaming mode and saves the thread once the run
// reached a terminal state. Stores are only touched at these boundaries,
// never during an iteration.
//
// Streaming runs are identified by a run id and can be cancelled with
// Cancel. A cancelled run still saves the thread in its last fully appended
// state.
package runner
