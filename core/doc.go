// Package core provides the foundational domain types shared by every layer of
// agentloop:
//
//   - Thread (append-only, exclusively owned conversation record)
//   - Message (role-tagged entry carrying identity and metrics)
//   - ToolCall plus the Normalizer turning provider payloads into ToolCalls
//   - MessageFactory (the single construction path for messages)
//   - Event (observable execution record) and AgentResult
//   - ThreadStore / FileStore boundary interfaces
//
// The package holds no orchestration logic. Persistence, completion and tool
// execution live in dedicated packages that depend on these small types.
package core
