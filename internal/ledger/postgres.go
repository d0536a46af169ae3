package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ctrls/intake/internal/domain/submission"
	"github.com/ctrls/intake/internal/infrastructure/postgres"
)

// Postgres is the ledger backed by PostgreSQL. Every applied write records
// its lifecycle event in the outbox within the same transaction.
type Postgres struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
}

// NewPostgres creates a new Postgres ledger publishing events to topic
func NewPostgres(pool *pgxpool.Pool, topic string, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{pool: pool, topic: topic, logger: logger}
}

const templateColumns = `
	t.id::text, t.public_id::text, t.title, COALESCE(t.description, ''), t.schema_json,
	t.answer_schema, t.active,
	c.id::text, c.name, COALESCE(c.logo_url, ''), COALESCE(c.primary_color, ''),
	COALESCE(c.address, ''), c.directory_token`

func scanTemplate(dst []any, t *submission.Template, publicID, token *string) []any {
	return append(dst,
		&t.ID, publicID, &t.Title, &t.Description, &t.Schema,
		&t.AnswerSchema, &t.Active,
		&t.Tenant.ID, &t.Tenant.Name, &t.Tenant.Branding.LogoURL, &t.Tenant.Branding.PrimaryColor,
		&t.Tenant.Branding.Address, token,
	)
}

func finishTemplate(t *submission.Template, publicID, token string) error {
	id, err := uuid.Parse(publicID)
	if err != nil {
		return fmt.Errorf("parse template public id: %w", err)
	}
	t.PublicID = id
	t.Tenant.Credential = submission.NewCredential(token)
	return nil
}

// FindTemplate resolves a template and its clinic by public id
func (p *Postgres) FindTemplate(ctx context.Context, publicID uuid.UUID) (*submission.Template, error) {
	query := `SELECT ` + templateColumns + `
		FROM form_templates t
		JOIN clinics c ON c.id = t.clinic_id
		WHERE t.public_id = $1
	`

	t := &submission.Template{}
	var pub, token string
	err := p.pool.QueryRow(ctx, query, publicID.String()).Scan(scanTemplate(nil, t, &pub, &token)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, submission.ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find template: %w", err)
	}
	if err := finishTemplate(t, pub, token); err != nil {
		return nil, err
	}
	return t, nil
}

// Create persists a new submission together with its received event
func (p *Postgres) Create(ctx context.Context, s *submission.Submission) (string, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO submissions
		(id, form_template_id, patient_name, patient_identifier, patient_sex, patient_birth_date,
		 answers_json, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10)
		RETURNING (SELECT clinic_id::text FROM form_templates WHERE id = $2)
	`
	var tenantID string
	err = tx.QueryRow(ctx, query,
		s.ID, s.TemplateID, s.Patient.Name, s.Patient.Identifier, s.Patient.Sex, s.Patient.BirthDate,
		s.Answers, s.Status, s.CreatedAt, s.UpdatedAt,
	).Scan(&tenantID)
	if err != nil {
		return "", fmt.Errorf("insert submission: %w", err)
	}

	err = p.writeEvent(ctx, tx, s.ID, submission.EventReceived, submission.ReceivedData{
		SubmissionID: s.ID,
		TenantID:     tenantID,
		TemplateID:   s.TemplateID,
		Status:       s.Status,
	})
	if err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return s.ID, nil
}

const submissionColumns = `
	s.id::text, s.form_template_id::text, s.patient_name, s.patient_identifier,
	COALESCE(s.patient_sex, ''), COALESCE(s.patient_birth_date, ''), s.answers_json, s.status,
	COALESCE(s.external_patient_id, ''), COALESCE(s.archive_receipt_id, ''),
	COALESCE(s.failure_reason, ''), s.created_at, s.updated_at`

func scanSubmission(dst []any, s *submission.Submission) []any {
	return append(dst,
		&s.ID, &s.TemplateID, &s.Patient.Name, &s.Patient.Identifier,
		&s.Patient.Sex, &s.Patient.BirthDate, &s.Answers, &s.Status,
		&s.ExternalPatientID, &s.ArchiveReceiptID,
		&s.FailureReason, &s.CreatedAt, &s.UpdatedAt,
	)
}

// Get returns a submission by id
func (p *Postgres) Get(ctx context.Context, id string) (*submission.Submission, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, submission.ErrSubmissionNotFound
	}

	query := `SELECT ` + submissionColumns + ` FROM submissions s WHERE s.id = $1`

	s := &submission.Submission{}
	err := p.pool.QueryRow(ctx, query, id).Scan(scanSubmission(nil, s)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, submission.ErrSubmissionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return s, nil
}

// Load fetches the submission, its template and clinic in a single query
func (p *Postgres) Load(ctx context.Context, id string) (*submission.Loaded, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, submission.ErrSubmissionNotFound
	}

	query := `SELECT ` + submissionColumns + `, ` + templateColumns + `
		FROM submissions s
		JOIN form_templates t ON t.id = s.form_template_id
		JOIN clinics c ON c.id = t.clinic_id
		WHERE s.id = $1
	`

	l := &submission.Loaded{}
	var pub, token string
	dst := scanSubmission(nil, &l.Submission)
	dst = scanTemplate(dst, &l.Template, &pub, &token)

	err := p.pool.QueryRow(ctx, query, id).Scan(dst...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, submission.ErrSubmissionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load submission: %w", err)
	}
	if err := finishTemplate(&l.Template, pub, token); err != nil {
		return nil, err
	}
	return l, nil
}

// SetStatus applies a status write under a row lock
func (p *Postgres) SetStatus(ctx context.Context, id string, status submission.Status, patch submission.Patch) error {
	if _, err := uuid.Parse(id); err != nil {
		return submission.ErrSubmissionNotFound
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current submission.Status
	err = tx.QueryRow(ctx, `SELECT status FROM submissions WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return submission.ErrSubmissionNotFound
	}
	if err != nil {
		return fmt.Errorf("lock submission: %w", err)
	}

	noop, err := submission.CheckTransition(current, status)
	if err != nil {
		return err
	}
	if noop {
		p.logger.Debug("status write ignored, already terminal",
			zap.String("submission_id", id),
			zap.String("status", string(status)))
		return nil
	}

	query := `
		UPDATE submissions
		SET status = $2,
		    external_patient_id = COALESCE($3::text, external_patient_id),
		    archive_receipt_id = COALESCE($4::text, archive_receipt_id),
		    failure_reason = COALESCE($5::text, failure_reason),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING COALESCE(external_patient_id, ''), COALESCE(archive_receipt_id, '')
	`
	var externalID, receiptID string
	err = tx.QueryRow(ctx, query, id, status,
		patch.ExternalPatientID, patch.ArchiveReceiptID, patch.FailureReason,
	).Scan(&externalID, &receiptID)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	if eventType := submission.EventForStatus(status, patch); eventType != "" {
		err = p.writeEvent(ctx, tx, id, eventType, submission.StatusChangedData{
			SubmissionID:      id,
			Status:            status,
			ExternalPatientID: externalID,
			ArchiveReceiptID:  receiptID,
		})
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// List returns a clinic's submissions, newest first
func (p *Postgres) List(ctx context.Context, tenantID string, filter Filter) (*Page, error) {
	filter = filter.Normalize()
	if _, err := uuid.Parse(tenantID); err != nil {
		return newPage(nil, filter, 0), nil
	}

	var status *string
	if filter.Status != nil {
		s := string(*filter.Status)
		status = &s
	}
	name := escapeLike(strings.TrimSpace(filter.PatientName))

	where := `
		FROM submissions s
		JOIN form_templates t ON t.id = s.form_template_id
		WHERE t.clinic_id = $1
		  AND ($2::text IS NULL OR s.status = $2::text)
		  AND ($3::text = '' OR s.patient_name ILIKE '%' || $3::text || '%')
	`

	var total int64
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) `+where, tenantID, status, name).Scan(&total); err != nil {
		return nil, fmt.Errorf("count submissions: %w", err)
	}

	query := `
		SELECT s.id::text, s.patient_name, s.patient_identifier, s.status, t.title, s.created_at
	` + where + `
		ORDER BY s.created_at DESC, s.id DESC
		LIMIT $4 OFFSET $5
	`
	rows, err := p.pool.Query(ctx, query, tenantID, status, name, filter.Size, filter.Page*filter.Size)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var content []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.PatientName, &s.PatientIdentifier, &s.Status, &s.FormTitle, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		content = append(content, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return newPage(content, filter, total), nil
}

func (p *Postgres) writeEvent(ctx context.Context, tx pgx.Tx, id string, eventType submission.EventType, data interface{}) error {
	event, err := submission.NewEvent(id, eventType, data)
	if err != nil {
		return fmt.Errorf("build event: %w", err)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   id,
		AggregateType: submission.AggregateType,
		EventType:     string(eventType),
		Payload:       payload,
		KafkaTopic:    p.topic,
		KafkaKey:      id,
	})
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
