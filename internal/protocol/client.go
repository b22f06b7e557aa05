package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"net"

	"github.com/cruciblehq/cruxflow/internal/errdefs"
)

// Performs one exchange with the daemon listening on socket.
//
// The request payload may be nil. On success the response payload is
// decoded into result unless result is nil. A [CmdError] response is
// returned as a [*RemoteError]. Cancelling ctx closes the connection, which
// cancels the request on the daemon.
func Call(ctx context.Context, socket string, cmd Command, payload, result any) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return errdefs.Wrap(ErrUnavailable, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	data, err := Encode(cmd, payload)
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return contextOr(ctx, errdefs.Wrap(ErrUnavailable, err))
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return contextOr(ctx, errdefs.Wrap(ErrProtocol, err))
	}

	env, raw, err := Decode(line)
	if err != nil {
		return err
	}

	switch env.Command {
	case CmdError:
		res, err := DecodePayload[ErrorResult](raw)
		if err != nil {
			return err
		}
		return &RemoteError{ErrorResult: *res}
	case CmdOK:
		if result == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, result); err != nil {
			return errdefs.Wrap(ErrProtocol, err)
		}
		return nil
	default:
		return errdefs.Wrapf(ErrProtocol, "unexpected response %q", env.Command)
	}
}

// Returns the context error when ctx is done, err otherwise.
func contextOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errdefs.FromContext(ctxErr)
	}
	return err
}
