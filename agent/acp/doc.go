// Package acp implements the Agent Client Protocol host, which lets editors
// such as Zed drive conductor workers over newline-delimited JSON-RPC 2.0 on
// stdio.
//
// Supported client requests:
//   - initialize: returns protocol version 1 and the agent capabilities
//   - session/new: creates a worker and returns its sessionId
//   - session/prompt: queues a prompt; answered with stopReason end_turn or
//     cancelled once the worker finishes, or with an error if it failed
//
// Supported client notifications:
//   - session/cancel: cancels the prompt the session's worker is running
//
// Sent to the client:
//   - session/update notifications carrying agent_message_chunk, tool_call
//     and tool_call_update
//   - session/request_permission requests before a tool runs in prompt mode
//
// Logs never go to stdout.
package acp
