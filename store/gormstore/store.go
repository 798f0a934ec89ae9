// Package gormstore implements store.Store on PostgreSQL through gorm.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/karthikraju391/marketplace-chat/models"
	"github.com/karthikraju391/marketplace-chat/store"
)

// Config controls GORM/PostgreSQL connectivity.
type Config struct {
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	LogLevel        gormlogger.LogLevel
}

// Connect initializes a GORM connection using the provided config.
func Connect(cfg Config) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is empty")
	}
	if cfg.LogLevel == 0 {
		cfg.LogLevel = gormlogger.Warn
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
		Logger: gormlogger.Default.LogMode(cfg.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("retrieve sql db: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

// Migrate creates or updates the chat tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Room{}, &Participant{}, &Message{})
}

// Store persists chat state in PostgreSQL.
type Store struct {
	db  *gorm.DB
	log zerolog.Logger
}

var _ store.Store = (*Store)(nil)

// New constructs the store.
func New(db *gorm.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log.With().Str("component", "gorm-store").Logger()}
}

func (s *Store) CreateRoom(ctx context.Context, room *models.Room, participants []*models.Participant) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(NewSchemaRoom(room)).Error; err != nil {
			return err
		}
		if len(participants) == 0 {
			return nil
		}
		rows := make([]*Participant, 0, len(participants))
		for _, p := range participants {
			rows = append(rows, NewSchemaParticipant(p))
		}
		return tx.Create(&rows).Error
	})
	return translate(err, "create room")
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	var row Room
	if err := s.db.WithContext(ctx).Where("id = ?", roomID).First(&row).Error; err != nil {
		return nil, translate(err, "get room")
	}
	return row.EtoD(), nil
}

func (s *Store) FindActiveDirectRoom(ctx context.Context, directKey string) (*models.Room, error) {
	var row Room
	err := s.db.WithContext(ctx).
		Where("direct_key = ? AND active = ?", directKey, true).
		Order("created_at ASC").
		First(&row).Error
	if err != nil {
		return nil, translate(err, "find direct room")
	}
	return row.EtoD(), nil
}

func (s *Store) SetRoomActive(ctx context.Context, roomID string, active bool) error {
	res := s.db.WithContext(ctx).Model(&Room{}).
		Where("id = ?", roomID).
		Updates(map[string]any{"active": active, "updated_at": time.Now().UTC()})
	return affected(res, "set room active")
}

func (s *Store) UpdateRoomSnapshot(ctx context.Context, roomID string, snapshot *models.LastMessage) error {
	var row Room
	row.applySnapshot(snapshot)
	res := s.db.WithContext(ctx).Model(&Room{}).
		Where("id = ?", roomID).
		Updates(map[string]any{
			"last_message_id":         row.LastMessageID,
			"last_message_sender_id":  row.LastMessageSenderID,
			"last_message_content":    row.LastMessageContent,
			"last_message_type":       row.LastMessageType,
			"last_message_deleted":    row.LastMessageDeleted,
			"last_message_created_at": row.LastMessageCreatedAt,
			"updated_at":              time.Now().UTC(),
		})
	return affected(res, "update room snapshot")
}

type roomSummaryRow struct {
	Room
	PUnreadCount int
	PMuted       bool
	PRole        string
	PLastReadAt  *time.Time
}

func (s *Store) ListRoomsForUser(ctx context.Context, userID string) ([]*models.RoomSummary, error) {
	var rows []roomSummaryRow
	err := s.db.WithContext(ctx).
		Table("chat_rooms AS r").
		Select("r.*, p.unread_count AS p_unread_count, p.muted AS p_muted, p.role AS p_role, p.last_read_at AS p_last_read_at").
		Joins("JOIN chat_participants AS p ON p.room_id = r.id").
		Where("p.user_id = ? AND p.active = ?", userID, true).
		Scan(&rows).Error
	if err != nil {
		return nil, translate(err, "list rooms")
	}

	result := make([]*models.RoomSummary, 0, len(rows))
	for i := range rows {
		result = append(result, &models.RoomSummary{
			Room:        *rows[i].Room.EtoD(),
			UnreadCount: rows[i].PUnreadCount,
			Muted:       rows[i].PMuted,
			Role:        models.Role(rows[i].PRole),
			LastReadAt:  utcPtr(rows[i].PLastReadAt),
		})
	}
	return result, nil
}

func (s *Store) GetActiveParticipant(ctx context.Context, roomID, userID string) (*models.Participant, error) {
	var row Participant
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ? AND active = ?", roomID, userID, true).
		First(&row).Error
	if err != nil {
		return nil, translate(err, "get participant")
	}
	return row.EtoD(), nil
}

func (s *Store) ListActiveParticipants(ctx context.Context, roomID string) ([]*models.Participant, error) {
	var rows []Participant
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND active = ?", roomID, true).
		Order("joined_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, translate(err, "list participants")
	}
	result := make([]*models.Participant, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].EtoD())
	}
	return result, nil
}

func (s *Store) AddParticipants(ctx context.Context, participants []*models.Participant) error {
	if len(participants) == 0 {
		return nil
	}
	rows := make([]*Participant, 0, len(participants))
	for _, p := range participants {
		rows = append(rows, NewSchemaParticipant(p))
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
	return translate(err, "add participants")
}

func (s *Store) DeactivateParticipant(ctx context.Context, roomID, userID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&Participant{}).
		Where("room_id = ? AND user_id = ? AND active = ?", roomID, userID, true).
		Updates(map[string]any{"active": false, "left_at": at})
	return affected(res, "deactivate participant")
}

func (s *Store) SetParticipantRole(ctx context.Context, roomID, userID string, role models.Role) error {
	res := s.db.WithContext(ctx).Model(&Participant{}).
		Where("room_id = ? AND user_id = ? AND active = ?", roomID, userID, true).
		Update("role", string(role))
	return affected(res, "set participant role")
}

func (s *Store) SetMuted(ctx context.Context, roomID, userID string, muted bool) error {
	res := s.db.WithContext(ctx).Model(&Participant{}).
		Where("room_id = ? AND user_id = ? AND active = ?", roomID, userID, true).
		Update("muted", muted)
	return affected(res, "set muted")
}

func (s *Store) CoMemberIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Raw(`
		SELECT DISTINCT other.user_id
		FROM chat_participants AS self
		JOIN chat_participants AS other ON other.room_id = self.room_id
		JOIN chat_rooms AS r ON r.id = self.room_id
		WHERE self.user_id = ? AND self.active AND other.active AND r.active AND other.user_id <> ?
		ORDER BY other.user_id`, userID, userID).
		Scan(&ids).Error
	if err != nil {
		return nil, translate(err, "list co-members")
	}
	return ids, nil
}

func (s *Store) CreateMessage(ctx context.Context, msg *models.Message) error {
	err := s.db.WithContext(ctx).Create(NewSchemaMessage(msg)).Error
	return translate(err, "create message")
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	var row Message
	if err := s.db.WithContext(ctx).Where("id = ?", messageID).First(&row).Error; err != nil {
		return nil, translate(err, "get message")
	}
	return row.EtoD(), nil
}

func (s *Store) UpdateMessage(ctx context.Context, msg *models.Message) error {
	row := NewSchemaMessage(msg)
	res := s.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", msg.ID).
		Updates(map[string]any{
			"content":              row.Content,
			"attachment_url":       row.AttachmentURL,
			"attachment_name":      row.AttachmentName,
			"attachment_mime_type": row.AttachmentMimeType,
			"attachment_size":      row.AttachmentSize,
			"edited":               row.Edited,
			"deleted":              row.Deleted,
			"updated_at":           row.UpdatedAt,
		})
	return affected(res, "update message")
}

func (s *Store) ListMessages(ctx context.Context, roomID string, before *store.Cursor, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Where("room_id = ?", roomID)
	if before != nil {
		query = query.Where("(created_at < ? OR (created_at = ? AND id < ?))", before.CreatedAt, before.CreatedAt, before.ID)
	}

	var rows []Message
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, translate(err, "list messages")
	}
	result := make([]*models.Message, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].EtoD())
	}
	return result, nil
}

// IncrementUnread runs a single UPDATE so concurrent sends never lose increments.
func (s *Store) IncrementUnread(ctx context.Context, roomID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&Participant{}).
		Where("room_id = ? AND user_id IN ? AND active = ?", roomID, userIDs, true).
		UpdateColumn("unread_count", gorm.Expr("unread_count + ?", 1)).Error
	return translate(err, "increment unread")
}

func (s *Store) ResetUnread(ctx context.Context, roomID, userID string, readAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&Participant{}).
		Where("room_id = ? AND user_id = ? AND active = ?", roomID, userID, true).
		UpdateColumns(map[string]any{"unread_count": 0, "last_read_at": readAt})
	return affected(res, "reset unread")
}

func affected(res *gorm.DB, op string) error {
	if res.Error != nil {
		return translate(res.Error, op)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}
	return nil
}

// translate maps driver errors onto the store sentinels.
func translate(err error, op string) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", op, store.ErrConflict)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%s: %w", op, store.ErrRetryable)
		case "23505": // unique_violation
			return fmt.Errorf("%s: %w", op, store.ErrConflict)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
