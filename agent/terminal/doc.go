// Package terminal implements the interactive command-line host for a
// conductor session.
//
// A Terminal owns one worker. Lines read from the input are submitted to
// that worker as prompts, and the streamed reply is printed as it arrives.
// A single goroutine reads the input, so when a tool confirmation is
// pending the next line is taken as the answer instead of a new prompt.
//
// # Usage
//
//	sess := session.New(ctx, provider, nil, session.WithTools(registry))
//	defer sess.Close()
//
//	term := terminal.New(sess, terminal.WithVerbose(verbose))
//	err := term.Run(ctx, initialPrompt)
//
// # Commands
//
//   - /quit, /exit: drop queued prompts, cancel the running request and leave
//   - /cancel: cancel the running request and keep the session
//   - /clear: forget the conversation so far
//   - /workers: list the session's workers, their state and last failure
//
// Commands are recognised even while a confirmation is pending.
//
// # Modes
//
// In prompt mode every tool request is shown as "Allow <tool> <params>?" and
// waits for the next line; y, yes, ok, allow and approve run the tool, any
// other answer rejects it. In auto mode tools run without asking. When the
// input ends or /quit is read, pending and later confirmations are rejected.
package terminal
