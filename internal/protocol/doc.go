// Package protocol defines the messages exchanged with the stagebuild
// daemon.
//
// Every message is a single newline-delimited JSON [Envelope] carrying a
// command name and an optional payload. A connection carries exactly one
// request and one response. Responses use [CmdOK] or [CmdError] as their
// command.
package protocol
