package participants

import (
	"context"
	"errors"

	"go.uber.org/multierr"

	"github.com/DoyleJ11/liveroom/internal/room"
)

// Directory is the request/response side of membership.
type Directory interface {
	Participants(ctx context.Context, id room.RoomID) (room.Membership, error)
	Join(ctx context.Context, id room.RoomID, team room.TeamOrdinal) error
	Leave(ctx context.Context, id room.RoomID) error
}

// Join asks the server to place the caller in team and then re-pulls
// membership, whatever the outcome of the join. The returned membership is
// non-nil whenever the re-pull succeeded, so the caller can resync even
// after a rejection. A server refusal (full team, inactive room, ban) comes
// back as a *RejectedError wrapping the server's reason.
func Join(ctx context.Context, dir Directory, id room.RoomID, team room.TeamOrdinal) (room.Membership, error) {
	err := dir.Join(ctx, id, team)
	if errors.Is(err, room.ErrTeamFull) || errors.Is(err, room.ErrInactive) || errors.Is(err, room.ErrForbidden) {
		err = &RejectedError{Team: team, Server: true, Reason: err}
	}
	return resync(ctx, dir, id, err)
}

// Leave drops the caller from its team and re-pulls membership.
func Leave(ctx context.Context, dir Directory, id room.RoomID) (room.Membership, error) {
	return resync(ctx, dir, id, dir.Leave(ctx, id))
}

func resync(ctx context.Context, dir Directory, id room.RoomID, opErr error) (room.Membership, error) {
	m, err := dir.Participants(ctx, id)
	if err != nil {
		return nil, multierr.Append(opErr, err)
	}
	return m, opErr
}
