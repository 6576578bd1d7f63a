package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"ecoroute/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// MigrateDir executes every .sql file in dir in lexical order.
func (p *Postgres) MigrateDir(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := p.db.Exec(string(b)); err != nil {
			return fmt.Errorf("migrate %s: %w", filepath.Base(f), err)
		}
	}
	return nil
}

func (p *Postgres) CreateGroup(ctx context.Context, g model.Group) (model.Group, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Group{}, err
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx, `INSERT INTO groups (id, name, description, owner_id, created_at) VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, description=EXCLUDED.description`,
		g.ID, g.Name, g.Description, g.OwnerID, g.CreatedAt)
	if err != nil {
		return model.Group{}, err
	}
	if g.OwnerID != "" {
		_, err = tx.ExecContext(ctx, `INSERT INTO group_access (group_id, user_id, role, granted_at) VALUES ($1,$2,'owner',$3)
            ON CONFLICT (group_id, user_id) DO UPDATE SET role='owner'`, g.ID, g.OwnerID, g.CreatedAt)
		if err != nil {
			return model.Group{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Group{}, err
	}
	return g, nil
}

func (p *Postgres) GetGroup(ctx context.Context, id string) (model.Group, error) {
	var g model.Group
	err := p.db.QueryRowContext(ctx, `SELECT id, name, description, owner_id, created_at FROM groups WHERE id=$1`, id).
		Scan(&g.ID, &g.Name, &g.Description, &g.OwnerID, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Group{}, ErrNotFound
	}
	return g, err
}

func (p *Postgres) ListGroups(ctx context.Context, userID string, all bool) ([]model.Group, error) {
	var rows *sql.Rows
	var err error
	if all {
		rows, err = p.db.QueryContext(ctx, `SELECT id, name, description, owner_id, created_at FROM groups ORDER BY created_at, id`)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT g.id, g.name, g.description, g.owner_id, g.created_at
            FROM groups g JOIN group_access a ON a.group_id = g.id
            WHERE a.user_id=$1 ORDER BY g.created_at, g.id`, userID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Group{}
	for rows.Next() {
		var g model.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &g.OwnerID, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteGroup(ctx context.Context, id string) error {
	return execOne(p.db.ExecContext(ctx, `DELETE FROM groups WHERE id=$1`, id))
}

func (p *Postgres) GroupRole(ctx context.Context, groupID, userID string) (string, error) {
	var role string
	err := p.db.QueryRowContext(ctx, `SELECT role FROM group_access WHERE group_id=$1 AND user_id=$2`, groupID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return role, err
}

func (p *Postgres) ListAccess(ctx context.Context, groupID string) ([]model.AccessEntry, error) {
	if _, err := p.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT group_id, user_id, role, granted_at FROM group_access WHERE group_id=$1 ORDER BY user_id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.AccessEntry{}
	for rows.Next() {
		var e model.AccessEntry
		if err := rows.Scan(&e.GroupID, &e.UserID, &e.Role, &e.GrantedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) GrantAccess(ctx context.Context, e model.AccessEntry) (model.AccessEntry, error) {
	if e.GrantedAt.IsZero() {
		e.GrantedAt = time.Now().UTC()
	}
	res, err := p.db.ExecContext(ctx, `INSERT INTO group_access (group_id, user_id, role, granted_at)
        SELECT $1,$2,$3,$4 WHERE EXISTS (SELECT 1 FROM groups WHERE id=$1)
        ON CONFLICT (group_id, user_id) DO UPDATE SET role=EXCLUDED.role, granted_at=EXCLUDED.granted_at`,
		e.GroupID, e.UserID, e.Role, e.GrantedAt)
	if err := execOne(res, err); err != nil {
		return model.AccessEntry{}, err
	}
	return e, nil
}

func (p *Postgres) RevokeAccess(ctx context.Context, groupID, userID string) error {
	return execOne(p.db.ExecContext(ctx, `DELETE FROM group_access WHERE group_id=$1 AND user_id=$2`, groupID, userID))
}

const deviceCols = `id, COALESCE(group_id,''), name, type, lat, lng, last_value1, last_value2, online_status, last_seen`

func scanDevice(sc interface{ Scan(...any) error }) (model.Device, error) {
	var d model.Device
	var lat, lng, v1, v2 sql.NullFloat64
	var seen sql.NullTime
	if err := sc.Scan(&d.ID, &d.GroupID, &d.Name, &d.Type, &lat, &lng, &v1, &v2, &d.OnlineStatus, &seen); err != nil {
		return model.Device{}, err
	}
	d.Lat, d.Lng = floatPtr(lat), floatPtr(lng)
	d.LastValue1, d.LastValue2 = floatPtr(v1), floatPtr(v2)
	if seen.Valid {
		t := seen.Time
		d.LastSeen = &t
	}
	return d, nil
}

func (p *Postgres) UpsertDevice(ctx context.Context, d model.Device) (model.Device, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO devices (id, group_id, name, type, lat, lng, last_value1, last_value2, online_status, last_seen)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (id) DO UPDATE SET group_id=EXCLUDED.group_id, name=EXCLUDED.name, type=EXCLUDED.type,
            lat=EXCLUDED.lat, lng=EXCLUDED.lng, last_value1=EXCLUDED.last_value1, last_value2=EXCLUDED.last_value2,
            online_status=EXCLUDED.online_status, last_seen=EXCLUDED.last_seen`,
		d.ID, nullIfEmpty(d.GroupID), d.Name, d.Type, d.Lat, d.Lng, d.LastValue1, d.LastValue2, d.OnlineStatus, d.LastSeen)
	if err != nil {
		return model.Device{}, err
	}
	return d, nil
}

func (p *Postgres) GetDevice(ctx context.Context, id string) (model.Device, error) {
	d, err := scanDevice(p.db.QueryRowContext(ctx, `SELECT `+deviceCols+` FROM devices WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, ErrNotFound
	}
	return d, err
}

func (p *Postgres) ListDevices(ctx context.Context, groupID string) ([]model.Device, error) {
	var rows *sql.Rows
	var err error
	if groupID == "" {
		rows, err = p.db.QueryContext(ctx, `SELECT `+deviceCols+` FROM devices ORDER BY seq`)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT `+deviceCols+` FROM devices WHERE group_id=$1 ORDER BY seq`, groupID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteDevice(ctx context.Context, id string) error {
	return execOne(p.db.ExecContext(ctx, `DELETE FROM devices WHERE id=$1`, id))
}

func (p *Postgres) RecordReading(ctx context.Context, r model.Reading) (model.Device, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Device{}, err
	}
	defer func() { _ = tx.Rollback() }()
	d, err := scanDevice(tx.QueryRowContext(ctx, `SELECT `+deviceCols+` FROM devices WHERE id=$1 FOR UPDATE`, r.DeviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, ErrNotFound
	}
	if err != nil {
		return model.Device{}, err
	}
	d = applyReading(d, r)
	_, err = tx.ExecContext(ctx, `UPDATE devices SET last_value1=$2, last_value2=$3, online_status=$4, last_seen=$5 WHERE id=$1`,
		d.ID, d.LastValue1, d.LastValue2, d.OnlineStatus, d.LastSeen)
	if err != nil {
		return model.Device{}, err
	}
	return d, tx.Commit()
}

func (p *Postgres) SaveRoute(ctx context.Context, r model.Route) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO routes (id, group_id, status, body, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, body=EXCLUDED.body, updated_at=EXCLUDED.updated_at`,
		r.ID, r.GroupID, string(r.Status), body, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *Postgres) GetRoute(ctx context.Context, id string) (model.Route, error) {
	var body []byte
	err := p.db.QueryRowContext(ctx, `SELECT body FROM routes WHERE id=$1`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Route{}, ErrNotFound
	}
	if err != nil {
		return model.Route{}, err
	}
	var r model.Route
	if err := json.Unmarshal(body, &r); err != nil {
		return model.Route{}, fmt.Errorf("decode route %s: %w", id, err)
	}
	return r, nil
}

func (p *Postgres) ListRoutes(ctx context.Context, groupID string, limit int) ([]model.Route, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `SELECT body FROM routes WHERE group_id=$1 ORDER BY created_at DESC LIMIT $2`, groupID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Route{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r model.Route
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteRoutesBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM routes WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// execOne maps a zero-row result to ErrNotFound.
func execOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
