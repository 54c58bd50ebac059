package room

// Ballot is a user's current vote in a room. Cast is false until the user
// has voted at least once; after that Team may be NoTeam (revoked).
type Ballot struct {
	Cast bool
	Team TeamOrdinal
}

// ApplyVote moves a user's vote from prev to next and returns the room with
// updated tallies. A first vote must name a team; later votes may revoke
// with NoTeam or switch sides.
func ApplyVote(r Room, prev Ballot, next TeamOrdinal) (Room, Ballot, error) {
	if !r.Active {
		return r, prev, ErrInactive
	}
	if next != NoTeam && !next.Valid() {
		return r, prev, ErrInvalidTeam
	}
	if !prev.Cast && next == NoTeam {
		return r, prev, ErrInvalidTeam
	}
	if prev.Cast && prev.Team == next {
		return r, prev, ErrAlreadyVoted
	}

	out := r
	if prev.Cast && prev.Team.Valid() {
		out.Teams[prev.Team-1].Votes--
	}
	if next.Valid() {
		out.Teams[next-1].Votes++
	}
	return out, Ballot{Cast: true, Team: next}, nil
}
