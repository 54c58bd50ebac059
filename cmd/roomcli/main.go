// Command roomcli joins a live room from the terminal. Plain lines are
// posted as comments; lines starting with "/" are commands (see /help).
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/DoyleJ11/liveroom/internal/channel"
	"github.com/DoyleJ11/liveroom/internal/config"
	"github.com/DoyleJ11/liveroom/internal/logging"
	"github.com/DoyleJ11/liveroom/internal/room"
	"github.com/DoyleJ11/liveroom/internal/session"
	"github.com/DoyleJ11/liveroom/internal/snapshot"
	"github.com/DoyleJ11/liveroom/internal/types"
)

const help = `commands:
  /join N      join team N (1 or 2)
  /leave       leave your team
  /vote N      vote for team N, /vote 0 revokes
  /select ID   select a comment for deletion
  /deselect ID
  /dismiss     clear the selection
  /delete      delete the selected comments (moderators)
  /refresh     reload the room
  /who         show the teams
  /rooms [my]  list active rooms, or only yours
  /create TITLE | TEAM1 | TEAM2
               open a new room
  /deactivate  close this room (creator)
  /ban ID      ban a user (moderators), /unban ID lifts it
  /quit`

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "roomcli:", err)
		os.Exit(1)
	}
}

func run() (err error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	var roomID int64
	pflag.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "server base URL")
	pflag.Int64Var(&roomID, "room", 0, "room id")
	pflag.StringVar(&cfg.Token, "token", cfg.Token, "auth token (defaults to the user id)")
	pflag.Int64Var(&cfg.UserID, "user", cfg.UserID, "your user id; 0 watches anonymously")
	pflag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	pflag.Parse()
	if roomID <= 0 {
		return errors.New("--room is required")
	}

	log, err := logging.ToStderr(cfg.LogLevel, true)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, syncLog(log)) }()

	header := http.Header{}
	if cfg.Token == "" && cfg.UserID != 0 {
		cfg.Token = strconv.FormatInt(cfg.UserID, 10)
	}
	if cfg.Token != "" {
		header.Set("Authorization", "Token "+cfg.Token)
	}

	api := snapshot.New(cfg.BaseURL, snapshot.WithHeader(header), snapshot.WithLogger(log))
	dial := func(id room.RoomID) (channel.Channel, error) {
		url, err := channel.RoomURL(cfg.BaseURL, id)
		if err != nil {
			return nil, err
		}
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.ReconnectMin
		b.MaxInterval = cfg.ReconnectMax
		return channel.NewWebSocket(url,
			channel.WithHeader(header),
			channel.WithBackOff(b),
			channel.WithLogger(log),
		), nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := session.New(ctx, session.Config{
		Room:           room.RoomID(roomID),
		Identity:       session.Identity{User: room.UserID(cfg.UserID)},
		API:            api,
		Dial:           dial,
		Logger:         log,
		RequestTimeout: cfg.RequestTimeout,
	})
	defer s.Unmount()

	if err := s.Mount(ctx); err != nil {
		return fmt.Errorf("mount room %d: %w", roomID, err)
	}

	p := &printer{out: os.Stdout, seen: make(map[room.CommentID]bool)}
	lines := make(chan string)
	go scan(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.Done():
			return nil
		case v, ok := <-s.Views():
			if !ok {
				return nil
			}
			p.view(v)
		case n, ok := <-s.Notices():
			if !ok {
				return nil
			}
			fmt.Fprintf(p.out, "! %s\n", n)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, cerr := command(ctx, s, api, p, line)
			if cerr != nil {
				fmt.Fprintf(p.out, "! %v\n", cerr)
			}
			if quit {
				return nil
			}
			if errors.Is(cerr, session.ErrClosed) {
				return cerr
			}
		}
	}
}

func scan(r io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines <- sc.Text()
	}
}

func command(ctx context.Context, s *session.Controller, api *snapshot.Client, p *printer, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, s.Post(ctx, line)
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "quit", "q":
		return true, nil
	case "help":
		fmt.Fprintln(p.out, help)
		return false, nil
	case "join":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return false, room.ErrInvalidTeam
		}
		return false, s.Join(ctx, room.TeamOrdinal(n))
	case "leave":
		return false, s.Leave(ctx)
	case "vote":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return false, room.ErrInvalidTeam
		}
		return false, s.Vote(ctx, room.TeamOrdinal(n))
	case "select", "deselect":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return false, fmt.Errorf("bad comment id %q", arg)
		}
		if name == "select" {
			return false, s.Select(ctx, room.CommentID(id))
		}
		return false, s.Deselect(ctx, room.CommentID(id))
	case "dismiss":
		return false, s.DismissSelection(ctx)
	case "delete":
		ids, err := s.RequestDelete(ctx)
		if err == nil {
			fmt.Fprintf(p.out, "deleting %v\n", ids)
		}
		return false, err
	case "refresh":
		return false, s.Refresh(ctx)
	case "who":
		v, err := s.View(ctx)
		if err != nil {
			return false, err
		}
		p.teams(v)
		return false, nil
	case "rooms":
		rooms, err := api.ListRooms(ctx, arg == "my")
		if err != nil {
			return false, err
		}
		p.rooms(rooms)
		return false, nil
	case "create":
		req, err := parseCreate(arg)
		if err != nil {
			return false, err
		}
		rm, err := api.CreateRoom(ctx, req)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(p.out, "created room %d %q, rejoin with --room %d\n", rm.ID, rm.Title, rm.ID)
		return false, nil
	case "deactivate":
		v, err := s.View(ctx)
		if err != nil {
			return false, err
		}
		if !v.IsCreator {
			return false, fmt.Errorf("only the room creator can deactivate it: %w", room.ErrForbidden)
		}
		_, err = api.Deactivate(ctx, v.Room.ID)
		return false, err
	case "ban", "unban":
		user, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || user <= 0 {
			return false, fmt.Errorf("bad user id %q", arg)
		}
		v, err := s.View(ctx)
		if err != nil {
			return false, err
		}
		if name == "ban" {
			_, err = api.Ban(ctx, v.Room.ID, room.UserID(user))
		} else {
			_, err = api.Unban(ctx, v.Room.ID, room.UserID(user))
		}
		return false, err
	default:
		return false, fmt.Errorf("unknown command /%s, try /help", name)
	}
}

// parseCreate reads "TITLE | TEAM1 | TEAM2"; team names are optional.
func parseCreate(arg string) (types.CreateRoomRequest, error) {
	parts := strings.Split(arg, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if parts[0] == "" {
		return types.CreateRoomRequest{}, errors.New("usage: /create TITLE | TEAM1 | TEAM2")
	}
	req := types.CreateRoomRequest{Title: parts[0], FirstTeamName: "first", SecondTeamName: "second"}
	if len(parts) > 1 && parts[1] != "" {
		req.FirstTeamName = parts[1]
	}
	if len(parts) > 2 && parts[2] != "" {
		req.SecondTeamName = parts[2]
	}
	return req, nil
}

type printer struct {
	out     io.Writer
	seen    map[room.CommentID]bool
	summary string
}

// view prints comments not shown before and a status line when it changes.
func (p *printer) view(v session.View) {
	for _, c := range v.Comments {
		if p.seen[c.ID] {
			continue
		}
		p.seen[c.ID] = true
		fmt.Fprintf(p.out, "[%d] %s (user %d, team %d): %s\n",
			c.ID, c.Created.Local().Format("15:04"), c.Creator, c.Team, c.Body)
	}

	summary := fmt.Sprintf("-- %s | %s %d votes %d/%d | %s %d votes %d/%d | channel %s",
		v.State,
		v.Room.Teams[0].Name, v.Room.Teams[0].Votes, v.Fill[0].Count, v.Fill[0].Capacity,
		v.Room.Teams[1].Name, v.Room.Teams[1].Votes, v.Fill[1].Count, v.Fill[1].Capacity,
		v.Channel)
	if v.Degraded {
		summary += " | degraded, /refresh to retry"
	}
	if len(v.Selected) > 0 {
		summary += fmt.Sprintf(" | selected %v", v.Selected)
	}
	if summary != p.summary {
		p.summary = summary
		fmt.Fprintln(p.out, summary)
	}
}

func (p *printer) teams(v session.View) {
	for _, t := range room.Ordinals {
		team, _ := v.Room.Team(t)
		fill := v.FillOf(t)
		fmt.Fprintf(p.out, "team %d %q: %v", t, team.Name, v.Members[t])
		if fill.IsFull {
			fmt.Fprint(p.out, " (full)")
		}
		fmt.Fprintln(p.out)
	}
	if v.Team.Valid() {
		fmt.Fprintf(p.out, "you are in team %d\n", v.Team)
	}
}

func (p *printer) rooms(rs []room.Room) {
	if len(rs) == 0 {
		fmt.Fprintln(p.out, "no rooms")
		return
	}
	for _, r := range rs {
		fmt.Fprintf(p.out, "%d %q: %s %d votes, %s %d votes\n",
			r.ID, r.Title, r.Teams[0].Name, r.Teams[0].Votes, r.Teams[1].Name, r.Teams[1].Votes)
	}
}

// syncLog flushes the logger, ignoring the EINVAL / ENOTTY a terminal
// returns on sync.
func syncLog(log interface{ Sync() error }) error {
	err := log.Sync()
	if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) {
		return nil
	}
	return err
}
