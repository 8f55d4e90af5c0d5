package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"writingbuddy/pkg/domain"
)

const migrateLockID int64 = 51742209

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

// GormStore implements Store using GORM over Postgres or SQLite.
type GormStore struct {
	db     *gorm.DB
	driver string
}

// NewGormStore opens the database named by dsn and runs auto-migrations.
// postgres:// URLs and key=value DSNs select Postgres; sqlite:, file: and
// *.db paths select SQLite with foreign keys and WAL enabled.
func NewGormStore(dsn string) (*GormStore, error) {
	driver, dialector, err := dialectorFor(dsn)
	if err != nil {
		return nil, err
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormLog,
		NowFunc: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &GormStore{db: db, driver: driver}

	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&SessionModel{}, &MessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if driver == driverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
		if err := migrate(db); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		return s, nil
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return s, nil
}

func dialectorFor(dsn string) (string, gorm.Dialector, error) {
	dsn = strings.TrimSpace(dsn)
	lower := strings.ToLower(dsn)
	switch {
	case dsn == "":
		return "", nil, fmt.Errorf("database dsn required")
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"), strings.Contains(lower, "host="):
		return driverPostgres, postgres.Open(dsn), nil
	case strings.HasPrefix(lower, "sqlite://"):
		return driverSQLite, sqlite.Open(sqliteDSN(dsn[len("sqlite://"):])), nil
	case strings.HasPrefix(lower, "sqlite:"):
		return driverSQLite, sqlite.Open(sqliteDSN(dsn[len("sqlite:"):])), nil
	case strings.HasPrefix(lower, "file:"), strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"):
		return driverSQLite, sqlite.Open(sqliteDSN(dsn)), nil
	default:
		return "", nil, fmt.Errorf("unsupported database dsn %q", dsn)
	}
}

func sqliteDSN(path string) string {
	const pragmas = "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	if strings.Contains(path, "?") {
		return path + "&" + pragmas
	}
	return path + "?" + pragmas
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateSession inserts a new active session and returns it with its id.
func (s *GormStore) CreateSession(ctx context.Context, session domain.Session) (domain.Session, error) {
	if err := validateSession(session); err != nil {
		return domain.Session{}, err
	}
	model := sessionToModel(session)
	model.ID = 0
	model.Status = string(domain.StatusActive)
	now := s.now()
	model.CreatedAt = now
	model.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Session{}, err
	}
	return sessionFromModel(model), nil
}

// GetSession returns a session only when it belongs to ownerID.
func (s *GormStore) GetSession(ctx context.Context, ownerID string, id int64) (domain.Session, bool, error) {
	var model SessionModel
	err := s.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Session{}, false, nil
		}
		return domain.Session{}, false, err
	}
	return sessionFromModel(model), true, nil
}

// ListSessions returns the owner's sessions, most recently updated first,
// each with its count of non-system messages.
func (s *GormStore) ListSessions(ctx context.Context, ownerID string) ([]domain.SessionSummary, error) {
	var rows []sessionSummaryRow
	err := s.db.WithContext(ctx).
		Model(&SessionModel{}).
		Select(`session_models.id, session_models.owner_id, session_models.title, session_models.kind,
			session_models.status, session_models.created_at, session_models.updated_at,
			(SELECT COUNT(*) FROM message_models m WHERE m.session_id = session_models.id AND m.role <> ?) AS message_count`,
			string(domain.RoleSystem)).
		Where("session_models.owner_id = ?", ownerID).
		Order("session_models.updated_at DESC").
		Order("session_models.id DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	items := make([]domain.SessionSummary, 0, len(rows))
	for _, row := range rows {
		items = append(items, domain.SessionSummary{
			Session: domain.Session{
				ID:        row.ID,
				OwnerID:   row.OwnerID,
				Title:     row.Title,
				Kind:      domain.SessionKind(row.Kind),
				Status:    domain.SessionStatus(row.Status),
				CreatedAt: row.CreatedAt,
				UpdatedAt: row.UpdatedAt,
			},
			MessageCount: row.MessageCount,
		})
	}
	return items, nil
}

// UpdateSession applies the non-nil fields of patch and re-stamps updated_at.
// Transition rules are enforced by the caller.
func (s *GormStore) UpdateSession(ctx context.Context, id int64, patch domain.SessionPatch) (domain.Session, error) {
	updates := map[string]any{"updated_at": s.now()}
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return domain.Session{}, domain.Validationf("title required")
		}
		updates["title"] = title
	}
	if patch.Status != nil {
		if !patch.Status.Valid() {
			return domain.Session{}, domain.Validationf("invalid status %q", *patch.Status)
		}
		updates["status"] = string(*patch.Status)
	}

	var model SessionModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&SessionModel{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.NotFoundf("session %d", id)
		}
		return tx.First(&model, "id = ?", id).Error
	})
	if err != nil {
		return domain.Session{}, err
	}
	return sessionFromModel(model), nil
}

// TouchSession bumps updated_at.
func (s *GormStore) TouchSession(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Model(&SessionModel{}).Where("id = ?", id).Update("updated_at", s.now())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.NotFoundf("session %d", id)
	}
	return nil
}

// DeleteSession removes a session and its ledger in one transaction.
func (s *GormStore) DeleteSession(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&MessageModel{}, "session_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&SessionModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.NotFoundf("session %d", id)
		}
		return nil
	})
}

// AppendMessage adds one ledger entry and bumps the session's updated_at.
// The entry is never stamped earlier than the session's latest entry.
func (s *GormStore) AppendMessage(ctx context.Context, sessionID int64, msg domain.Message) (domain.Message, error) {
	if err := validateMessage(msg); err != nil {
		return domain.Message{}, err
	}
	model, err := messageToModel(msg)
	if err != nil {
		return domain.Message{}, err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.lockSessionRow(tx, sessionID); err != nil {
			return err
		}
		now, err := s.nextStamp(tx, sessionID)
		if err != nil {
			return err
		}
		if err := insertMessage(tx, sessionID, &model, now); err != nil {
			return err
		}
		return tx.Model(&SessionModel{}).Where("id = ?", sessionID).Update("updated_at", now).Error
	})
	if err != nil {
		return domain.Message{}, err
	}
	return messageFromModel(model)
}

// CompleteSession appends entries and marks the session completed in one
// transaction. A session that is already completed is left untouched.
func (s *GormStore) CompleteSession(ctx context.Context, id int64, entries ...domain.Message) (domain.Session, []domain.Message, error) {
	models := make([]MessageModel, 0, len(entries))
	for _, msg := range entries {
		if err := validateMessage(msg); err != nil {
			return domain.Session{}, nil, err
		}
		model, err := messageToModel(msg)
		if err != nil {
			return domain.Session{}, nil, err
		}
		models = append(models, model)
	}

	var session SessionModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.lockSessionRow(tx, id)
		if err != nil {
			return err
		}
		if !domain.SessionStatus(current.Status).CanTransitionTo(domain.StatusCompleted) {
			return domain.InvalidStatef("session %d already %s", id, current.Status)
		}
		now, err := s.nextStamp(tx, id)
		if err != nil {
			return err
		}
		for i := range models {
			if err := insertMessage(tx, id, &models[i], now); err != nil {
				return err
			}
		}
		if err := tx.Model(&SessionModel{}).Where("id = ?", id).Updates(map[string]any{
			"status":     string(domain.StatusCompleted),
			"updated_at": now,
		}).Error; err != nil {
			return err
		}
		return tx.First(&session, "id = ?", id).Error
	})
	if err != nil {
		return domain.Session{}, nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msg, err := messageFromModel(model)
		if err != nil {
			return domain.Session{}, nil, err
		}
		msgs = append(msgs, msg)
	}
	return sessionFromModel(session), msgs, nil
}

// lockSessionRow loads the session, holding a row lock on Postgres until the
// transaction ends.
func (s *GormStore) lockSessionRow(tx *gorm.DB, id int64) (SessionModel, error) {
	lookup := tx.Select("id", "status")
	if s.driver == driverPostgres {
		lookup = lookup.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var session SessionModel
	if err := lookup.First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SessionModel{}, domain.NotFoundf("session %d", id)
		}
		return SessionModel{}, err
	}
	return session, nil
}

// nextStamp returns the current time, or the latest entry's created_at when
// the clock has not advanced past it.
func (s *GormStore) nextStamp(tx *gorm.DB, sessionID int64) (time.Time, error) {
	now := s.now()
	var last []MessageModel
	if err := tx.Select("created_at").
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(1).
		Find(&last).Error; err != nil {
		return time.Time{}, err
	}
	if len(last) > 0 && now.Before(last[0].CreatedAt) {
		now = last[0].CreatedAt
	}
	return now, nil
}

func insertMessage(tx *gorm.DB, sessionID int64, model *MessageModel, at time.Time) error {
	model.ID = 0
	model.SessionID = sessionID
	model.CreatedAt = at
	return tx.Create(model).Error
}

// ListMessages returns the whole ledger in (created_at, id) order.
func (s *GormStore) ListMessages(ctx context.Context, sessionID int64) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msg, err := messageFromModel(model)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *GormStore) now() time.Time {
	return s.db.NowFunc()
}

func sessionToModel(session domain.Session) SessionModel {
	return SessionModel{
		ID:        session.ID,
		OwnerID:   strings.TrimSpace(session.OwnerID),
		Title:     strings.TrimSpace(session.Title),
		Kind:      string(session.Kind),
		Status:    string(session.Status),
		CreatedAt: session.CreatedAt,
		UpdatedAt: session.UpdatedAt,
	}
}

func sessionFromModel(m SessionModel) domain.Session {
	return domain.Session{
		ID:        m.ID,
		OwnerID:   m.OwnerID,
		Title:     m.Title,
		Kind:      domain.SessionKind(m.Kind),
		Status:    domain.SessionStatus(m.Status),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) (MessageModel, error) {
	var meta datatypes.JSON
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return MessageModel{}, fmt.Errorf("encode message metadata: %w", err)
		}
		meta = raw
	}
	return MessageModel{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Role:      string(msg.Role),
		Content:   msg.Content,
		Metadata:  meta,
		CreatedAt: msg.CreatedAt,
	}, nil
}

func messageFromModel(m MessageModel) (domain.Message, error) {
	var meta map[string]string
	if len(m.Metadata) > 0 {
		if err := json.Unmarshal(m.Metadata, &meta); err != nil {
			return domain.Message{}, fmt.Errorf("decode metadata for message %d: %w", m.ID, err)
		}
	}
	return domain.Message{
		ID:        m.ID,
		SessionID: m.SessionID,
		Role:      domain.Role(m.Role),
		Content:   m.Content,
		Metadata:  meta,
		CreatedAt: m.CreatedAt,
	}, nil
}
