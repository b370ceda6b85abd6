package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/field-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveJob(ctx context.Context, j *models.Job) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `INSERT INTO jobs(id, lat, lon, specialty, urgent, price_estimate, max_radius_m, status, worker_id, active_offer_id, created_at, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, worker_id=EXCLUDED.worker_id, active_offer_id=EXCLUDED.active_offer_id, updated_at=EXCLUDED.updated_at`,
		j.ID, j.Loc.Lat, j.Loc.Lon, j.Specialty, j.Urgent, j.PriceEstimate, j.MaxRadiusM, string(j.Status), nullStr(j.WorkerID), nullStr(j.ActiveOfferID), j.CreatedAt, j.UpdatedAt)
	return err
}

func (p *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	row := p.db.QueryRowContext(ctx, `SELECT id, lat, lon, specialty, urgent, price_estimate, max_radius_m, status, worker_id, active_offer_id, created_at, updated_at FROM jobs WHERE id=$1`, id)
	return scanJob(row)
}

func (p *PostgresStore) UpdateJobStatusIf(ctx context.Context, jobID string, expected, next models.JobStatus, upd JobUpdate) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	res, err := p.db.ExecContext(ctx, `UPDATE jobs SET status=$1, worker_id=COALESCE($2, worker_id), active_offer_id=$3, updated_at=now() WHERE id=$4 AND status=$5`,
		string(next), nullStr(upd.WorkerID), nullStr(upd.ActiveOfferID), jobID, string(expected))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *PostgresStore) SaveOffer(ctx context.Context, o *models.Offer) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `INSERT INTO offers(id, job_id, worker_id, status, attempt, created_at, expires_at, responded_at, reason)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		o.ID, o.JobID, o.WorkerID, string(o.Status), o.Attempt, o.CreatedAt, o.ExpiresAt, o.RespondedAt, nullStr(o.Reason))
	return err
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	row := p.db.QueryRowContext(ctx, `SELECT id, job_id, worker_id, status, attempt, created_at, expires_at, responded_at, reason FROM offers WHERE id=$1`, id)
	o, err := scanOffer(row)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// UpdateOfferIfStatus is the conditional transition. RowsAffected decides.
func (p *PostgresStore) UpdateOfferIfStatus(ctx context.Context, offerID string, expected, next models.OfferStatus, upd OfferUpdate) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	res, err := p.db.ExecContext(ctx, `UPDATE offers SET status=$1, responded_at=COALESCE($2, responded_at), reason=COALESCE($3, reason) WHERE id=$4 AND status=$5`,
		string(next), upd.RespondedAt, nullStr(upd.Reason), offerID, string(expected))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *PostgresStore) OffersByJob(ctx context.Context, jobID string) ([]models.Offer, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, `SELECT id, job_id, worker_id, status, attempt, created_at, expires_at, responded_at, reason FROM offers WHERE job_id=$1 ORDER BY attempt ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOfferRows(rows)
}

func (p *PostgresStore) OffersByWorker(ctx context.Context, workerID string, status models.OfferStatus) ([]models.Offer, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT id, job_id, worker_id, status, attempt, created_at, expires_at, responded_at, reason FROM offers WHERE worker_id=$1 AND status=$2 ORDER BY created_at ASC`, workerID, string(status))
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT id, job_id, worker_id, status, attempt, created_at, expires_at, responded_at, reason FROM offers WHERE worker_id=$1 ORDER BY created_at ASC`, workerID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOfferRows(rows)
}

func (p *PostgresStore) ActiveOfferCount(ctx context.Context, jobID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM offers WHERE job_id=$1 AND status IN ('pending','accepted')`, jobID).Scan(&n)
	return n, err
}

func (p *PostgresStore) ExpiredPending(ctx context.Context, now time.Time) ([]models.Offer, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, `
SELECT o.id, o.job_id, o.worker_id, o.status, o.attempt, o.created_at, o.expires_at, o.responded_at, o.reason
FROM offers o
JOIN jobs j ON j.id = o.job_id
WHERE o.status='pending' AND o.expires_at <= $1
ORDER BY j.created_at ASC, o.created_at ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOfferRows(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var status string
	var workerID, activeOfferID sql.NullString
	err := row.Scan(&j.ID, &j.Loc.Lat, &j.Loc.Lon, &j.Specialty, &j.Urgent, &j.PriceEstimate, &j.MaxRadiusM, &status, &workerID, &activeOfferID, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	j.Status = models.JobStatus(status)
	j.WorkerID = workerID.String
	j.ActiveOfferID = activeOfferID.String
	return &j, nil
}

func scanOffer(row rowScanner) (*models.Offer, error) {
	var o models.Offer
	var status string
	var responded sql.NullTime
	var reason sql.NullString
	err := row.Scan(&o.ID, &o.JobID, &o.WorkerID, &status, &o.Attempt, &o.CreatedAt, &o.ExpiresAt, &responded, &reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	o.Status = models.OfferStatus(status)
	if responded.Valid {
		t := responded.Time
		o.RespondedAt = &t
	}
	o.Reason = reason.String
	return &o, nil
}

func scanOfferRows(rows *sql.Rows) ([]models.Offer, error) {
	var out []models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
