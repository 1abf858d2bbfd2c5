// Package model defines the provider‑agnostic abstractions and concrete
// helpers for interacting with language models inside taskmesh.
//
// Core goals:
//   - Unify streaming + non‑streaming generation behind a single interface
//   - Normalize tool call representation (core.ToolDefinition, core.ToolCall)
//   - Keep request/response shapes minimal and transport independent
//   - Facilitate deterministic tests (ScriptedModel)
//
// Providers (OpenAI, Anthropic) implement the Model interface from this
// package so the phase agents remain decoupled from vendor SDKs.
package model
