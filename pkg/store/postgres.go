// Copyright 2024 The plantgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/turtacn/plantgate/pkg/permission"
)

// psq builds statements with PostgreSQL dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var userColumns = []string{
	"id", "username", "password", "realname", "factory_level", "area_level", "enabled",
}

var deviceColumns = []string{
	"device_no", "description", "unit", "qty_min", "qty_max", "h", "l", "hh", "ll",
	"type", "factory", "level", "is_major_hazard", "is_sis",
}

// PostgresConfig holds the connection pool settings for the catalog database.
type PostgresConfig struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	User            string        `yaml:"user" json:"user"`
	Password        string        `yaml:"password" json:"password"`
	Database        string        `yaml:"database" json:"database"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
}

// DSN renders the lib/pq keyword/value connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Open creates the connection pool and verifies it with a ping.
func Open(ctx context.Context, cfg PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return db, nil
}

// PostgresStore reads users and devices from PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetUserByID implements UserStore.
func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	uid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, ErrUserNotFound
	}
	return s.getUser(ctx, sq.Eq{"id": uid})
}

// GetUserByUsername implements UserStore.
func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUser(ctx, sq.Eq{"username": username})
}

func (s *PostgresStore) getUser(ctx context.Context, where sq.Eq) (*User, error) {
	query, args, err := psq.Select(userColumns...).From("web_user").Where(where).Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("%w: building user query: %v", ErrStore, err)
	}

	var (
		u        User
		realname sql.NullString
		enabled  int
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&u.ID, &u.Username, &u.PasswordHash, &realname, &u.FactoryLevel, &u.AreaLevel, &enabled,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: querying user: %v", ErrStore, err)
	}
	u.Realname = realname.String
	u.Enabled = enabled == 1
	return &u, nil
}

// GetUserDevices implements DeviceStore. A non-superadmin with no factories
// gets an empty list without touching the database.
func (s *PostgresStore) GetUserDevices(ctx context.Context, userID string, factories []permission.Factory, areaLevel int, isSuperAdmin bool) ([]Device, error) {
	qb := psq.Select(deviceColumns...).From("device_data")
	if !isSuperAdmin {
		if len(factories) == 0 {
			return []Device{}, nil
		}
		values := make([]int, len(factories))
		for i, f := range factories {
			values[i] = int(f)
		}
		qb = qb.Where(sq.Eq{"factory": values}).
			Where(sq.Or{sq.Eq{"level": nil}, sq.LtOrEq{"level": areaLevel}})
	}
	query, args, err := qb.OrderBy("device_no").ToSql()
	if err != nil {
		return nil, fmt.Errorf("%w: building device query: %v", ErrStore, err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying devices for user %s: %v", ErrStore, userID, err)
	}
	defer rows.Close()

	devices := []Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning device: %v", ErrStore, err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating devices: %v", ErrStore, err)
	}
	return devices, nil
}

func scanDevice(rows *sql.Rows) (Device, error) {
	var (
		d                      Device
		description, unit, typ sql.NullString
		qtyMin, qtyMax, h, l   sql.NullFloat64
		hh, ll                 sql.NullFloat64
		factory                int
		level                  sql.NullInt64
		isMajorHazard, isSIS   sql.NullBool
	)
	if err := rows.Scan(&d.ID, &description, &unit, &qtyMin, &qtyMax, &h, &l, &hh, &ll,
		&typ, &factory, &level, &isMajorHazard, &isSIS); err != nil {
		return Device{}, err
	}
	d.Description = description.String
	d.Unit = unit.String
	d.Type = typ.String
	d.QtyMin = nullFloat(qtyMin)
	d.QtyMax = nullFloat(qtyMax)
	d.H = nullFloat(h)
	d.L = nullFloat(l)
	d.HH = nullFloat(hh)
	d.LL = nullFloat(ll)
	d.Factory = permission.Factory(factory)
	if level.Valid {
		v := int(level.Int64)
		d.Level = &v
	}
	d.IsMajorHazard = isMajorHazard.Bool
	d.IsSIS = isSIS.Bool
	return d, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
