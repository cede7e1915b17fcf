package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tourhooks/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type Postgres struct {
	db  *sql.DB
	dsn string
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db, dsn: dsn}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies the embedded schema migrations. ErrNoChange is not an error.
func (p *Postgres) Migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, p.dsn)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

const partnerCols = `id::text, name, webhook_url, shared_secret, subscribed_events, is_active, contact_info, created_at, updated_at, last_successful_delivery_at`

func (p *Postgres) CreatePartner(ctx context.Context, pt model.Partner) (model.Partner, error) {
	if pt.ID == "" {
		pt.ID = uuid.New().String()
	}
	if pt.CreatedAt.IsZero() {
		pt.CreatedAt = time.Now().UTC()
	}
	events, err := eventsJSON(pt.SubscribedEvents)
	if err != nil {
		return model.Partner{}, err
	}
	row := p.db.QueryRowContext(ctx, `INSERT INTO partners (id, name, webhook_url, shared_secret, subscribed_events, is_active, contact_info, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5::jsonb,$6,$7,$8,$8) RETURNING `+partnerCols,
		pt.ID, pt.Name, pt.WebhookURL, pt.SharedSecret, events, pt.IsActive, nullIfEmpty(pt.ContactInfo), pt.CreatedAt)
	out, err := scanPartner(row)
	if isUniqueViolation(err) {
		return model.Partner{}, ErrDuplicateWebhookURL
	}
	return out, err
}

func (p *Postgres) GetPartner(ctx context.Context, id string) (model.Partner, error) {
	uid, err := parseID(id)
	if err != nil {
		return model.Partner{}, err
	}
	row := p.db.QueryRowContext(ctx, `SELECT `+partnerCols+` FROM partners WHERE id=$1`, uid)
	return scanPartner(row)
}

func (p *Postgres) FindPartnerByName(ctx context.Context, name string) (model.Partner, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+partnerCols+` FROM partners WHERE name=$1 AND is_active ORDER BY created_at, id LIMIT 1`, name)
	return scanPartner(row)
}

func (p *Postgres) ListPartners(ctx context.Context, activeOnly bool) ([]model.Partner, error) {
	q := `SELECT ` + partnerCols + ` FROM partners`
	if activeOnly {
		q += ` WHERE is_active`
	}
	rows, err := p.db.QueryContext(ctx, q+` ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	return collectPartners(rows)
}

func (p *Postgres) UpdatePartner(ctx context.Context, id string, patch model.PartnerPatch) (model.Partner, error) {
	uid, err := parseID(id)
	if err != nil {
		return model.Partner{}, err
	}
	sets := []string{}
	args := []any{}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.WebhookURL != nil {
		add("webhook_url", *patch.WebhookURL)
	}
	if patch.ContactInfo != nil {
		add("contact_info", nullIfEmpty(*patch.ContactInfo))
	}
	if patch.SubscribedEvents != nil {
		events, err := eventsJSON(patch.SubscribedEvents)
		if err != nil {
			return model.Partner{}, err
		}
		args = append(args, events)
		sets = append(sets, fmt.Sprintf("subscribed_events=$%d::jsonb", len(args)))
	}
	sets = append(sets, "updated_at=now()")
	args = append(args, uid)
	q := fmt.Sprintf(`UPDATE partners SET %s WHERE id=$%d RETURNING %s`, strings.Join(sets, ", "), len(args), partnerCols)
	out, err := scanPartner(p.db.QueryRowContext(ctx, q, args...))
	if isUniqueViolation(err) {
		return model.Partner{}, ErrDuplicateWebhookURL
	}
	return out, err
}

func (p *Postgres) DeactivatePartner(ctx context.Context, id string) (bool, error) {
	uid, err := parseID(id)
	if err != nil {
		return false, err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE partners SET is_active=false, updated_at=now() WHERE id=$1 AND is_active`, uid)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return true, nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM partners WHERE id=$1)`, uid).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (p *Postgres) SetPartnerSecret(ctx context.Context, id, secret string) error {
	uid, err := parseID(id)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE partners SET shared_secret=$2, updated_at=now() WHERE id=$1`, uid, secret)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindSubscribers uses JSONB containment so the GIN index on
// subscribed_events serves the lookup.
func (p *Postgres) FindSubscribers(ctx context.Context, eventType model.EventType) ([]model.Partner, error) {
	needle, err := json.Marshal([]model.EventType{eventType})
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+partnerCols+` FROM partners WHERE is_active AND subscribed_events @> $1::jsonb ORDER BY created_at, id`, string(needle))
	if err != nil {
		return nil, err
	}
	return collectPartners(rows)
}

func (p *Postgres) TouchPartnerDelivery(ctx context.Context, id string, at time.Time) error {
	uid, err := parseID(id)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE partners SET last_successful_delivery_at=GREATEST(COALESCE(last_successful_delivery_at, $2), $2) WHERE id=$1`, uid, at.UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const logCols = `id::text, direction, event_type, partner_id::text, url, payload, signature, signature_verified, token_verified, http_status, success, error_message, retry_count, needs_review, created_at, completed_at`

func (p *Postgres) AppendWebhookLog(ctx context.Context, l model.WebhookLog) (model.WebhookLog, error) {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if l.CompletedAt.IsZero() {
		l.CompletedAt = now
	}
	var status any
	if l.HTTPStatus != nil {
		status = *l.HTTPStatus
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_logs (id, direction, event_type, partner_id, url, payload, signature, signature_verified, token_verified, http_status, success, error_message, retry_count, needs_review, created_at, completed_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		l.ID, string(l.Direction), l.EventType, nullIfEmpty(l.PartnerID), nullIfEmpty(l.URL), l.Payload, nullIfEmpty(l.Signature),
		l.SignatureVerified, l.TokenVerified, status, l.Success, nullIfEmpty(l.ErrorMessage), l.RetryCount, l.NeedsReview, l.CreatedAt, l.CompletedAt)
	if err != nil {
		return model.WebhookLog{}, err
	}
	return l, nil
}

func (p *Postgres) GetWebhookLog(ctx context.Context, id string) (model.WebhookLog, error) {
	uid, err := parseID(id)
	if err != nil {
		return model.WebhookLog{}, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+logCols+` FROM webhook_logs WHERE id=$1`, uid)
	if err != nil {
		return model.WebhookLog{}, err
	}
	out, _, err := collectLogs(rows, 1)
	if err != nil {
		return model.WebhookLog{}, err
	}
	if len(out) == 0 {
		return model.WebhookLog{}, ErrNotFound
	}
	return out[0], nil
}

// ListWebhookLogs pages in insertion order. The cursor is the id of the last
// row returned by the previous page.
func (p *Postgres) ListWebhookLogs(ctx context.Context, f model.LogFilter) ([]model.WebhookLog, string, error) {
	limit := clampLimit(f.Limit)
	where := []string{}
	args := []any{}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Direction != "" {
		add("direction=$%d", string(f.Direction))
	}
	if f.PartnerID != "" {
		uid, err := parseID(f.PartnerID)
		if err != nil {
			return []model.WebhookLog{}, "", nil
		}
		add("partner_id=$%d", uid)
	}
	if f.EventType != "" {
		add("lower(event_type)=lower($%d)", f.EventType)
	}
	if f.Success != nil {
		add("success=$%d", *f.Success)
	}
	if f.Cursor != "" {
		uid, err := parseID(f.Cursor)
		if err != nil {
			return []model.WebhookLog{}, "", nil
		}
		add("seq > (SELECT seq FROM webhook_logs WHERE id=$%d)", uid)
	}
	q := `SELECT ` + logCols + ` FROM webhook_logs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY seq LIMIT $%d`, len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	return collectLogs(rows, limit)
}

// parseID maps ids that cannot be a uuid to ErrNotFound, so lookups compare
// the uuid column directly and stay on its index.
func parseID(id string) (uuid.UUID, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, ErrNotFound
	}
	return uid, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPartner(row rowScanner) (model.Partner, error) {
	var pt model.Partner
	var events []byte
	var contact sql.NullString
	var last sql.NullTime
	err := row.Scan(&pt.ID, &pt.Name, &pt.WebhookURL, &pt.SharedSecret, &events, &pt.IsActive, &contact, &pt.CreatedAt, &pt.UpdatedAt, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Partner{}, ErrNotFound
	}
	if err != nil {
		return model.Partner{}, err
	}
	if err := json.Unmarshal(events, &pt.SubscribedEvents); err != nil {
		return model.Partner{}, fmt.Errorf("decode subscribed_events: %w", err)
	}
	pt.ContactInfo = contact.String
	pt.CreatedAt = pt.CreatedAt.UTC()
	pt.UpdatedAt = pt.UpdatedAt.UTC()
	if last.Valid {
		t := last.Time.UTC()
		pt.LastSuccessfulDeliveryAt = &t
	}
	return pt, nil
}

func collectPartners(rows *sql.Rows) ([]model.Partner, error) {
	defer rows.Close()
	out := []model.Partner{}
	for rows.Next() {
		pt, err := scanPartner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

func collectLogs(rows *sql.Rows, limit int) ([]model.WebhookLog, string, error) {
	defer rows.Close()
	out := []model.WebhookLog{}
	var last string
	for rows.Next() {
		var l model.WebhookLog
		var dir string
		var partnerID, url, sig, msg sql.NullString
		var status sql.NullInt64
		if err := rows.Scan(&l.ID, &dir, &l.EventType, &partnerID, &url, &l.Payload, &sig, &l.SignatureVerified, &l.TokenVerified,
			&status, &l.Success, &msg, &l.RetryCount, &l.NeedsReview, &l.CreatedAt, &l.CompletedAt); err != nil {
			return nil, "", err
		}
		l.Direction = model.Direction(dir)
		l.PartnerID = partnerID.String
		l.URL = url.String
		l.Signature = sig.String
		l.ErrorMessage = msg.String
		if status.Valid {
			s := int(status.Int64)
			l.HTTPStatus = &s
		}
		l.CreatedAt = l.CreatedAt.UTC()
		l.CompletedAt = l.CompletedAt.UTC()
		out = append(out, l)
		last = l.ID
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	var next string
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func eventsJSON(events []model.EventType) (string, error) {
	if events == nil {
		events = []model.EventType{}
	}
	b, err := json.Marshal(events)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
