// Package agent drives workers through model requests.
//
// A Loop owns one worker and one prompt queue. It waits for requests, moves
// the worker through its states while the model provider streams, forwards
// every chunk to the host, and asks the host before any tool runs:
//
//	Inactive -> Working -> Requesting -> Receiving -> Inactive
//	                                        |
//	                  UsingTool -> Waiting -> UsingTool -> Receiving
//
// A failed or cancelled request leaves the worker InactiveFailed with a
// failure message. CancelCurrent cancels only the request in flight; the
// loop keeps draining its queue until its own context ends.
//
// # Modes
//
//   - ModePrompt: every tool request waits for the host's confirmation
//   - ModeAuto: tool requests are approved without asking the host
//
// # Subpackages
//
// agent/terminal is a line-oriented terminal host. agent/acp serves the
// Agent Client Protocol over stdio for editor integration.
package agent
