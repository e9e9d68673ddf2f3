// Package completion turns a conversation history plus tool definitions into
// a single assistant completion.
//
// The Handler builds the provider request (system instruction, attachment
// resolution, dangling tool-call repair, provider parameter adjustments),
// calls the model in batch or streaming mode with retries behind a circuit
// breaker, and returns the assistant content with normalized tool calls and
// usage metrics. Both modes produce the same Result for the same completion.
package completion
