package protocol

import (
	"bufio"
	"context"
	"net"

	"github.com/pkg/errors"
)

// Sends one command to the daemon listening on socket and decodes the
// response payload into result.
//
// An error response is returned as an [*ErrorResult]. A nil result
// discards the response payload. Cancelling ctx closes the connection,
// which the daemon treats as a request to cancel the command.
func Call(ctx context.Context, socket string, cmd Command, payload, result any) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return errors.Wrap(err, "connect to daemon")
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	data, err := Encode(cmd, payload)
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, "send request")
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(err, "read response")
	}

	env, raw, err := Decode(line)
	if err != nil {
		return err
	}

	switch env.Command {
	case CmdOK:
		if result == nil || len(raw) == 0 {
			return nil
		}
		return decodeInto(raw, result)
	case CmdError:
		var e ErrorResult
		if err := decodeInto(raw, &e); err != nil {
			return err
		}
		return &e
	}
	return errors.Wrapf(ErrInvalidEnvelope, "unexpected response %q", env.Command)
}
