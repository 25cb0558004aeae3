// Package configcache implements a Bun/PostgreSQL backed
// mtpcore.Persistence: it durably records the config-derived settings
// blob and the autoupdate prefix so a restarted instance does not have
// to wait out a fresh config refresh before it can resume.
//
// The single-row upsert model and the isNoRows error check follow this
// codebase's own model conventions, narrowed from a per-entity table
// layout down to one settings row per account.
package configcache

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dcrouter/mtpcore"
)

// OpenPG opens a *bun.DB against a PostgreSQL DSN using the pgdriver/
// pgdialect pair, for callers that don't already manage a *bun.DB.
// Callers that already have one should use New directly and own the
// connection themselves.
func OpenPG(dsn string) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New())
}

type settingsModel struct {
	bun.BaseModel `bun:"table:mtpcore_settings"`

	Account           string    `bun:"account,pk"`
	Settings          []byte    `bun:"settings,notnull,type:bytea"`
	AutoupdatePrefix  string    `bun:"autoupdate_prefix"`
	UpdatedAt         time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// Store is a Bun-backed mtpcore.Persistence. The caller owns the
// *bun.DB lifecycle; Store never closes it.
type Store struct {
	db      *bun.DB
	account string
	logger  *slog.Logger

	// snapshot is what WriteSettings actually serializes; the core has
	// no settings-encoding concern of its own, so the caller sets it once
	// via WithSnapshot and WriteSettings calls it on every write. The
	// returned value is msgpack-encoded before it hits the bytea column,
	// the same compact binary framing the Key Registry's sink uses.
	snapshot func() any
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithSnapshot wires the function WriteSettings calls to obtain the
// current settings value to persist.
func WithSnapshot(fn func() any) Option {
	return func(s *Store) { s.snapshot = fn }
}

// New creates a Store scoped to account.
func New(db *bun.DB, account string, opts ...Option) *Store {
	s := &Store{db: db, account: account, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the settings table if it does not exist yet.
func (s *Store) Migrate(ctx mtpcore.Context) error {
	_, err := s.db.NewCreateTable().Model((*settingsModel)(nil)).IfNotExists().Exec(ctx)
	return err
}

// WriteSettings implements mtpcore.Persistence: it upserts the current
// settings snapshot for this account.
func (s *Store) WriteSettings(ctx mtpcore.Context) error {
	if s.snapshot == nil {
		return nil
	}
	encoded, err := msgpack.Marshal(s.snapshot())
	if err != nil {
		return err
	}
	row := &settingsModel{
		Account:   s.account,
		Settings:  encoded,
		UpdatedAt: time.Now(),
	}
	_, err = s.db.NewInsert().Model(row).
		On("CONFLICT (account) DO UPDATE").
		Set("settings = EXCLUDED.settings").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		s.logger.Error("write settings failed", slog.String("error", err.Error()))
	}
	return err
}

// WriteAutoupdatePrefix implements mtpcore.Persistence.
func (s *Store) WriteAutoupdatePrefix(prefix string) error {
	_, err := s.db.NewInsert().Model(&settingsModel{
		Account:          s.account,
		AutoupdatePrefix: prefix,
		UpdatedAt:        time.Now(),
	}).
		On("CONFLICT (account) DO UPDATE").
		Set("autoupdate_prefix = EXCLUDED.autoupdate_prefix").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(context.Background())
	if err != nil {
		s.logger.Error("write autoupdate prefix failed", slog.String("error", err.Error()))
	}
	return err
}

// LoadSettingsInto decodes the persisted settings snapshot into target
// (a pointer), returning false if this account has never written one.
func (s *Store) LoadSettingsInto(ctx mtpcore.Context, target any) (bool, error) {
	row := new(settingsModel)
	err := s.db.NewSelect().Model(row).Where("account = ?", s.account).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, err
	}
	if len(row.Settings) == 0 {
		return false, nil
	}
	if err := msgpack.Unmarshal(row.Settings, target); err != nil {
		return false, err
	}
	return true, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
