// Package engine implements the agent execution loop of agentloop.
//
// An Engine drives a conversation forward by alternating calls to a
// completion service with concurrent execution of tools. Everything it does
// is appended to a core.Thread and reported as a sequence of core.Event
// values.
//
// # Execution Modes
//
// The engine exposes two views of one state machine:
//
//   - Run collects every event and returns a *core.AgentResult once the run
//     reaches a terminal state
//   - Stream forwards each event on a channel as soon as it is produced,
//     including stream_fragment events for incremental assistant content
//
// Both modes share the same loop. Driven by the same completions and tool
// outputs they produce identical threads (see core.Thread.Digest) and
// identical token usage.
//
// # State Machine
//
//	init -> iterating <-> tool_execution -> complete | iteration_limit | fatal_error
//
// One iteration performs one completion. A response without tool calls ends
// the run in the complete state. Otherwise the assistant message is appended
// first, every tool call is dispatched concurrently, and the tool messages are
// appended in the order the model requested them before the next iteration
// starts.
//
// The iteration cap is checked before a new iteration starts. Reaching it
// appends an explanatory message and ends the run in the iteration_limit
// state, which is not an error. Each call to Run or Stream gets a fresh
// budget, so invoking the engine again on the same thread resumes the work.
//
// # Failures
//
// Tool failures never abort the loop. They become failed tool messages
// classified as unknown_tool, invalid_arguments, timeout or tool_invocation,
// and the model sees them on the next iteration. Exhausted completion retries
// append a system error message and end the run in the fatal_error state with
// a *core.ExecutionError of kind completion_service. Cancelling the context
// ends the run with kind cancelled and leaves the thread in its last fully
// appended state.
//
// # Example
//
//	eng, err := engine.New("assistant", model, func(o *engine.Options) {
//	    o.Instruction = "You are a helpful assistant."
//	    o.Tools = []any{"math", lookupWeather}
//	})
//	if err != nil {
//	    return err
//	}
//
//	thread := core.NewThread("")
//	thread.Append(core.NewMessageFactory("assistant", "").CreateUserMessage("What is 2+2?"))
//
//	res, err := eng.Run(ctx, thread)
package engine
