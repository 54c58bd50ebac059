package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/liveroom/internal/room"
)

type roomModel struct {
	ID              int64 `gorm:"primaryKey"`
	Title           string
	CreatorID       int64 `gorm:"index"`
	Active          bool  `gorm:"default:true"`
	Language        string
	FirstTeamName   string
	FirstTeamVotes  int
	SecondTeamName  string
	SecondTeamVotes int
	MaxParticipants int
	CreatedAt       time.Time
	Admins          []adminModel `gorm:"foreignKey:RoomID;constraint:OnDelete:CASCADE"`
	Bans            []banModel   `gorm:"foreignKey:RoomID;constraint:OnDelete:CASCADE"`
}

func (roomModel) TableName() string { return "rooms" }

type adminModel struct {
	RoomID int64 `gorm:"primaryKey"`
	UserID int64 `gorm:"primaryKey"`
}

func (adminModel) TableName() string { return "room_admins" }

type banModel struct {
	RoomID int64 `gorm:"primaryKey"`
	UserID int64 `gorm:"primaryKey"`
}

func (banModel) TableName() string { return "room_bans" }

// The (room, user) key keeps a user in at most one team per room.
type participantModel struct {
	RoomID    int64     `gorm:"primaryKey"`
	UserID    int64     `gorm:"primaryKey"`
	Team      int       `gorm:"index"`
	Room      roomModel `gorm:"constraint:OnDelete:CASCADE"`
	CreatedAt time.Time
}

func (participantModel) TableName() string { return "participants" }

type voteModel struct {
	RoomID int64 `gorm:"primaryKey"`
	UserID int64 `gorm:"primaryKey"`
	Team   int
}

func (voteModel) TableName() string { return "votes" }

type commentModel struct {
	ID        int64     `gorm:"primaryKey"`
	RoomID    int64     `gorm:"index"`
	Room      roomModel `gorm:"constraint:OnDelete:CASCADE"`
	CreatorID int64
	Team      int
	Body      string
	CreatedAt time.Time
}

func (commentModel) TableName() string { return "comments" }

func (m roomModel) toRoom() room.Room {
	r := room.Room{
		ID:       room.RoomID(m.ID),
		Title:    m.Title,
		Creator:  room.UserID(m.CreatorID),
		Active:   m.Active,
		Language: m.Language,
		Created:  m.CreatedAt.UTC(),
		Teams: [2]room.Team{
			{Ordinal: room.TeamFirst, Name: m.FirstTeamName, Votes: m.FirstTeamVotes, Capacity: m.MaxParticipants},
			{Ordinal: room.TeamSecond, Name: m.SecondTeamName, Votes: m.SecondTeamVotes, Capacity: m.MaxParticipants},
		},
	}
	for _, a := range m.Admins {
		r.Admins = append(r.Admins, room.UserID(a.UserID))
	}
	for _, b := range m.Bans {
		r.Banned = append(r.Banned, room.UserID(b.UserID))
	}
	return r
}

func (m commentModel) toComment() room.Comment {
	return room.Comment{
		ID:      room.CommentID(m.ID),
		Body:    m.Body,
		Created: m.CreatedAt.UTC(),
		Team:    room.TeamOrdinal(m.Team),
		Creator: room.UserID(m.CreatorID),
	}
}

// Postgres is a Store backed by PostgreSQL through gorm.
type Postgres struct {
	db  *gorm.DB
	log *zap.Logger
}

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(dsn string, log *zap.Logger) (*Postgres, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&roomModel{}, &adminModel{}, &banModel{}, &participantModel{}, &voteModel{}, &commentModel{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("postgres store ready")
	return &Postgres{db: db, log: log}, nil
}

// mapErr turns driver errors into store and room sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return room.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s", room.ErrNotFound, pgErr.ConstraintName)
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		}
	}
	return err
}

func (p *Postgres) CreateRoom(ctx context.Context, r room.Room) (room.Room, error) {
	r, err := validateNew(r)
	if err != nil {
		return room.Room{}, err
	}
	m := roomModel{
		Title:           r.Title,
		CreatorID:       int64(r.Creator),
		Active:          true,
		Language:        r.Language,
		FirstTeamName:   r.Teams[0].Name,
		SecondTeamName:  r.Teams[1].Name,
		MaxParticipants: r.Teams[0].Capacity,
	}
	admins := slices.Clone(r.Admins)
	slices.Sort(admins)
	for _, a := range slices.Compact(admins) {
		m.Admins = append(m.Admins, adminModel{UserID: int64(a)})
	}
	if err := p.db.WithContext(ctx).Create(&m).Error; err != nil {
		return room.Room{}, mapErr(err)
	}
	return m.toRoom(), nil
}

func (p *Postgres) loadRoom(tx *gorm.DB, id room.RoomID, lock bool) (roomModel, error) {
	var m roomModel
	q := tx.Preload("Admins").Preload("Bans", func(db *gorm.DB) *gorm.DB {
		return db.Order("user_id")
	})
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.First(&m, int64(id)).Error; err != nil {
		return roomModel{}, mapErr(err)
	}
	return m, nil
}

func (p *Postgres) Room(ctx context.Context, id room.RoomID) (room.Room, error) {
	m, err := p.loadRoom(p.db.WithContext(ctx), id, false)
	if err != nil {
		return room.Room{}, err
	}
	return m.toRoom(), nil
}

func (p *Postgres) ListRooms(ctx context.Context, member room.UserID) ([]room.Room, error) {
	q := p.db.WithContext(ctx).Preload("Admins").Preload("Bans").Where("active = ?", true)
	if member != 0 {
		q = q.Where("id IN (?)", p.db.Model(&participantModel{}).Select("room_id").Where("user_id = ?", int64(member)))
	}
	var rows []roomModel
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, mapErr(err)
	}
	out := make([]room.Room, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toRoom())
	}
	return out, nil
}

func (p *Postgres) UpdateRoom(ctx context.Context, id room.RoomID, by room.UserID, upd RoomUpdate) (room.Room, error) {
	var out room.Room
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := p.loadRoom(tx, id, true)
		if err != nil {
			return err
		}
		cur := m.toRoom()
		if !cur.IsModerator(by) {
			return room.ErrForbidden
		}
		next, err := upd.apply(cur)
		if err != nil {
			return err
		}
		if err := tx.Model(&roomModel{ID: m.ID}).Updates(map[string]any{
			"title":            next.Title,
			"first_team_name":  next.Teams[0].Name,
			"second_team_name": next.Teams[1].Name,
			"language":         next.Language,
			"max_participants": next.Teams[0].Capacity,
		}).Error; err != nil {
			return mapErr(err)
		}
		if upd.Admins != nil {
			if err := tx.Where("room_id = ?", m.ID).Delete(&adminModel{}).Error; err != nil {
				return mapErr(err)
			}
			for _, a := range next.Admins {
				if err := tx.Create(&adminModel{RoomID: m.ID, UserID: int64(a)}).Error; err != nil {
					return mapErr(err)
				}
			}
		}
		out = next
		return nil
	})
	return out, err
}

func (p *Postgres) DeleteRoom(ctx context.Context, id room.RoomID, by room.UserID) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := p.loadRoom(tx, id, true)
		if err != nil {
			return err
		}
		if !m.toRoom().IsModerator(by) {
			return room.ErrForbidden
		}
		// votes carry no foreign key; the rest cascades
		if err := tx.Where("room_id = ?", m.ID).Delete(&voteModel{}).Error; err != nil {
			return mapErr(err)
		}
		if err := tx.Delete(&roomModel{ID: m.ID}).Error; err != nil {
			return mapErr(err)
		}
		return nil
	})
}

func (p *Postgres) Ban(ctx context.Context, id room.RoomID, by, user room.UserID) (room.Room, error) {
	var out room.Room
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := p.loadRoom(tx, id, true)
		if err != nil {
			return err
		}
		cur := m.toRoom()
		if !cur.IsModerator(by) {
			return room.ErrForbidden
		}
		if cur.IsModerator(user) {
			return room.ErrProtected
		}
		if err := tx.Where("room_id = ? AND user_id = ?", m.ID, int64(user)).
			Delete(&participantModel{}).Error; err != nil {
			return mapErr(err)
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&banModel{RoomID: m.ID, UserID: int64(user)}).Error; err != nil {
			return mapErr(err)
		}
		m, err = p.loadRoom(tx, id, false)
		if err != nil {
			return err
		}
		out = m.toRoom()
		return nil
	})
	return out, err
}

func (p *Postgres) Unban(ctx context.Context, id room.RoomID, by, user room.UserID) (room.Room, error) {
	var out room.Room
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := p.loadRoom(tx, id, true)
		if err != nil {
			return err
		}
		if !m.toRoom().IsModerator(by) {
			return room.ErrForbidden
		}
		res := tx.Where("room_id = ? AND user_id = ?", m.ID, int64(user)).Delete(&banModel{})
		if res.Error != nil {
			return mapErr(res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: user %d is not banned", room.ErrNotFound, user)
		}
		m, err = p.loadRoom(tx, id, false)
		if err != nil {
			return err
		}
		out = m.toRoom()
		return nil
	})
	return out, err
}

func (p *Postgres) Deactivate(ctx context.Context, id room.RoomID, by room.UserID) (room.Room, error) {
	var out room.Room
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := p.loadRoom(tx, id, true)
		if err != nil {
			return err
		}
		if room.UserID(m.CreatorID) != by {
			return room.ErrForbidden
		}
		m.Active = false
		if err := tx.Model(&m).Update("active", false).Error; err != nil {
			return mapErr(err)
		}
		out = m.toRoom()
		return nil
	})
	return out, err
}

func (p *Postgres) members(tx *gorm.DB, id room.RoomID) (room.Membership, error) {
	var rows []participantModel
	if err := tx.Where("room_id = ?", int64(id)).Order("created_at, user_id").Find(&rows).Error; err != nil {
		return nil, mapErr(err)
	}
	out := room.Membership{room.TeamFirst: {}, room.TeamSecond: {}}
	for _, r := range rows {
		t := room.TeamOrdinal(r.Team)
		out[t] = append(out[t], room.UserID(r.UserID))
	}
	return out, nil
}

func (p *Postgres) Members(ctx context.Context, id room.RoomID) (room.Membership, error) {
	db := p.db.WithContext(ctx)
	if _, err := p.loadRoom(db, id, false); err != nil {
		return nil, err
	}
	return p.members(db, id)
}

func (p *Postgres) Join(ctx context.Context, id room.RoomID, user room.UserID, team room.TeamOrdinal) (room.Membership, error) {
	if !team.Valid() {
		return nil, room.ErrInvalidTeam
	}
	var out room.Membership
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// the row lock serializes joins per room, so the count below holds
		m, err := p.loadRoom(tx, id, true)
		if err != nil {
			return err
		}
		if !m.Active {
			return room.ErrInactive
		}
		if m.toRoom().IsBanned(user) {
			return room.ErrBanned
		}
		var count int64
		if err := tx.Model(&participantModel{}).
			Where("room_id = ? AND team = ? AND user_id <> ?", int64(id), int(team), int64(user)).
			Count(&count).Error; err != nil {
			return mapErr(err)
		}
		if count >= int64(m.MaxParticipants) {
			return room.ErrTeamFull
		}
		row := participantModel{RoomID: int64(id), UserID: int64(user), Team: int(team)}
		if err := tx.Omit("Room").Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"team"}),
		}).Create(&row).Error; err != nil {
			return mapErr(err)
		}
		out, err = p.members(tx, id)
		return err
	})
	return out, err
}

func (p *Postgres) Leave(ctx context.Context, id room.RoomID, user room.UserID) (room.Membership, error) {
	var out room.Membership
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := p.loadRoom(tx, id, true); err != nil {
			return err
		}
		if err := tx.Where("room_id = ? AND user_id = ?", int64(id), int64(user)).
			Delete(&participantModel{}).Error; err != nil {
			return mapErr(err)
		}
		var err error
		out, err = p.members(tx, id)
		return err
	})
	return out, err
}

func (p *Postgres) Vote(ctx context.Context, id room.RoomID, user room.UserID, team room.TeamOrdinal) (room.Room, error) {
	var out room.Room
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := p.loadRoom(tx, id, true)
		if err != nil {
			return err
		}
		var prev room.Ballot
		var v voteModel
		err = tx.Where("room_id = ? AND user_id = ?", int64(id), int64(user)).Take(&v).Error
		switch {
		case err == nil:
			prev = room.Ballot{Cast: true, Team: room.TeamOrdinal(v.Team)}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return mapErr(err)
		}

		next, _, err := room.ApplyVote(m.toRoom(), prev, team)
		if err != nil {
			return err
		}
		if err := tx.Model(&roomModel{ID: m.ID}).Updates(map[string]any{
			"first_team_votes":  next.Teams[0].Votes,
			"second_team_votes": next.Teams[1].Votes,
		}).Error; err != nil {
			return mapErr(err)
		}
		v = voteModel{RoomID: int64(id), UserID: int64(user), Team: int(team)}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"team"}),
		}).Create(&v).Error; err != nil {
			return mapErr(err)
		}
		out = next
		return nil
	})
	return out, err
}

func (p *Postgres) Comments(ctx context.Context, id room.RoomID) ([]room.Comment, error) {
	db := p.db.WithContext(ctx)
	if _, err := p.loadRoom(db, id, false); err != nil {
		return nil, err
	}
	var rows []commentModel
	if err := db.Where("room_id = ?", int64(id)).Order("id").Find(&rows).Error; err != nil {
		return nil, mapErr(err)
	}
	out := make([]room.Comment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toComment())
	}
	return out, nil
}

func (p *Postgres) AddComment(ctx context.Context, id room.RoomID, user room.UserID, body string) (room.Comment, error) {
	if strings.TrimSpace(body) == "" {
		return room.Comment{}, ErrEmptyBody
	}
	var out room.Comment
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := p.loadRoom(tx, id, false)
		if err != nil {
			return err
		}
		if !m.Active {
			return room.ErrInactive
		}
		if m.toRoom().IsBanned(user) {
			return room.ErrBanned
		}
		var part participantModel
		err = tx.Where("room_id = ? AND user_id = ?", int64(id), int64(user)).Take(&part).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return room.ErrNotParticipant
		}
		if err != nil {
			return mapErr(err)
		}
		row := commentModel{RoomID: int64(id), CreatorID: int64(user), Team: part.Team, Body: body}
		if err := tx.Omit("Room").Create(&row).Error; err != nil {
			return mapErr(err)
		}
		out = row.toComment()
		return nil
	})
	return out, err
}

func (p *Postgres) DeleteComments(ctx context.Context, id room.RoomID, by room.UserID, ids []room.CommentID) ([]room.CommentID, error) {
	var gone []room.CommentID
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := p.loadRoom(tx, id, false)
		if err != nil {
			return err
		}
		if !m.toRoom().IsModerator(by) {
			return room.ErrForbidden
		}
		raw := make([]int64, 0, len(ids))
		for _, c := range ids {
			raw = append(raw, int64(c))
		}
		var rows []commentModel
		if err := tx.Clauses(clause.Returning{Columns: []clause.Column{{Name: "id"}}}).
			Where("room_id = ? AND id IN ?", int64(id), raw).
			Delete(&rows).Error; err != nil {
			return mapErr(err)
		}
		for _, r := range rows {
			gone = append(gone, room.CommentID(r.ID))
		}
		slices.Sort(gone)
		return nil
	})
	return gone, err
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
