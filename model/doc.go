// Package model defines the provider-agnostic abstractions for talking to a
// completion service.
//
// Core goals:
//   - Separate batch (Generate) and streaming (Stream) generation behind one interface
//   - Carry provider tool calls as raw payloads so normalization happens once, in core
//   - Keep request/response shapes minimal and transport independent
//   - Facilitate deterministic testing (ScriptedModel)
//
// Providers (model/openai, model/anthropic) implement Model so the completion
// handler and engine remain decoupled from vendor SDKs.
package model
