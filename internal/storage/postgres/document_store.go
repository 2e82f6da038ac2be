package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reyestr-project/dispatch/internal/registry"
)

const documentColumns = `system_id, external_id, reg_number, url, court_name,
	judge_name, decision_type, decision_date, law_date, case_type, case_number,
	court_region, instance_type, classification_source, classification_date,
	download_task_id, client_id, created_at, updated_at`

// DocumentStore is the Postgres implementation of registry.DocumentStore.
type DocumentStore struct {
	pool pgxPool
	ids  registry.IDGenerator
}

// NewDocumentStore creates a DocumentStore backed by the shared pool.
func NewDocumentStore(pool *pgxpool.Pool, ids registry.IDGenerator) *DocumentStore {
	return &DocumentStore{pool: pool, ids: ids}
}

// NewDocumentStoreWithPool accepts any pool implementation (used by tests).
func NewDocumentStoreWithPool(pool pgxPool, ids registry.IDGenerator) *DocumentStore {
	return &DocumentStore{pool: pool, ids: ids}
}

// Register records a document under a stable system id. First sight of an
// external id inserts a full row; later sightings only fill columns that
// are still null and never overwrite existing values. Re-registering an
// identical payload leaves the row untouched. The calling client's
// document counter is credited in the same transaction whenever the
// document is new to that client, even when the payload adds nothing.
func (s *DocumentStore) Register(ctx context.Context, meta registry.DocumentMetadata, cls registry.Classification, taskID, clientID *string) (registry.Document, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return registry.Document{}, storeErr("register document", err)
	}
	defer rollback(ctx, tx)

	row := tx.QueryRow(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE external_id = $1
		FOR UPDATE`,
		meta.ExternalID)
	existing, err := scanDocument(row)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		doc, err := s.insertDocument(ctx, tx, meta, cls, taskID, clientID)
		if err != nil {
			return registry.Document{}, err
		}
		if clientID != nil {
			if err := creditClientDocument(ctx, tx, *clientID); err != nil {
				return registry.Document{}, err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return registry.Document{}, storeErr("register document", err)
		}
		return doc, nil
	case err != nil:
		return registry.Document{}, storeErr("register document", err)
	}

	// The row keeps its first client, but any other client bringing the
	// same document still earns the credit.
	creditClient := clientID != nil &&
		(existing.ClientID == nil || *existing.ClientID != *clientID)

	merged, changed := mergeDocument(existing, meta, cls, taskID, clientID)
	if !changed {
		if creditClient {
			if err := creditClientDocument(ctx, tx, *clientID); err != nil {
				return registry.Document{}, err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return registry.Document{}, storeErr("register document", err)
		}
		return existing, nil
	}

	row = tx.QueryRow(ctx, `
		UPDATE documents
		SET reg_number = $2, url = $3, court_name = $4, judge_name = $5,
			decision_type = $6, decision_date = $7, law_date = $8,
			case_type = $9, case_number = $10, court_region = $11,
			instance_type = $12, classification_source = $13,
			classification_date = CASE WHEN $13 IS NULL THEN NULL
				ELSE COALESCE(classification_date, NOW()) END,
			download_task_id = $14, client_id = $15,
			updated_at = NOW()
		WHERE system_id = $1
		RETURNING `+documentColumns,
		merged.SystemID, merged.RegNumber, merged.URL, merged.CourtName,
		merged.JudgeName, merged.DecisionType, merged.DecisionDate, merged.LawDate,
		merged.CaseType, merged.CaseNumber, merged.CourtRegion, merged.InstanceType,
		merged.ClassificationSrc, merged.TaskID, merged.ClientID)
	doc, err := scanDocument(row)
	if err != nil {
		return registry.Document{}, storeErr("register document", err)
	}

	if creditClient {
		if err := creditClientDocument(ctx, tx, *clientID); err != nil {
			return registry.Document{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return registry.Document{}, storeErr("register document", err)
	}
	return doc, nil
}

// GetBySystemID returns one document by its stable id.
func (s *DocumentStore) GetBySystemID(ctx context.Context, systemID string) (registry.Document, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+documentColumns+` FROM documents WHERE system_id = $1`, systemID)
	doc, err := scanDocument(row)
	if err != nil {
		return registry.Document{}, storeErr("get document", err)
	}
	return doc, nil
}

// OpenProgress records that a download attempt started. Re-opening the
// same (task, document) pair restarts its clock.
func (s *DocumentStore) OpenProgress(ctx context.Context, taskID, externalID string, regNumber, clientID *string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO download_progress
			(task_id, document_id, reg_number, client_id, status, started_at)
		VALUES ($1, $2, $3, $4, 'in_progress', NOW())
		ON CONFLICT (task_id, document_id)
		DO UPDATE SET status = 'in_progress', started_at = NOW(), completed_at = NULL`,
		taskID, externalID, regNumber, clientID)
	return storeErr("open progress", err)
}

// CloseProgress finishes a download attempt with the given outcome.
func (s *DocumentStore) CloseProgress(ctx context.Context, taskID, externalID string, status registry.ProgressStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE download_progress
		SET status = $3, completed_at = NOW()
		WHERE task_id = $1 AND document_id = $2`,
		taskID, externalID, status)
	if err != nil {
		return storeErr("close progress", err)
	}
	if tag.RowsAffected() == 0 {
		return storeErr("close progress", pgx.ErrNoRows)
	}
	return nil
}

func (s *DocumentStore) insertDocument(ctx context.Context, tx pgx.Tx, meta registry.DocumentMetadata, cls registry.Classification, taskID, clientID *string) (registry.Document, error) {
	systemID, err := s.ids.NewID()
	if err != nil {
		return registry.Document{}, err
	}

	var region, instance, source *string
	if cls.Complete() {
		region, instance = strPtr(cls.CourtRegion), strPtr(cls.InstanceType)
		src := string(cls.Source)
		source = &src
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO documents
			(system_id, external_id, reg_number, url, court_name, judge_name,
			 decision_type, decision_date, law_date, case_type, case_number,
			 court_region, instance_type, classification_source, classification_date,
			 download_task_id, client_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			CASE WHEN $14 IS NULL THEN NULL ELSE NOW() END, $15, $16, NOW(), NOW())
		RETURNING `+documentColumns,
		systemID, meta.ExternalID, strPtr(meta.RegNumber), strPtr(meta.URL),
		strPtr(meta.CourtName), strPtr(meta.JudgeName), strPtr(meta.DecisionType),
		datePtr(meta.DecisionDate), datePtr(meta.LawDate), strPtr(meta.CaseType),
		strPtr(meta.CaseNumber), region, instance, source, taskID, clientID)
	doc, err := scanDocument(row)
	if err != nil {
		return registry.Document{}, storeErr("insert document", err)
	}
	return doc, nil
}

// mergeDocument fills the existing row's null columns from the new payload
// and reports whether anything actually changed.
func mergeDocument(existing registry.Document, meta registry.DocumentMetadata, cls registry.Classification, taskID, clientID *string) (registry.Document, bool) {
	merged := existing
	changed := false

	fill := func(dst **string, src string) {
		if *dst == nil && strings.TrimSpace(src) != "" {
			v := strings.TrimSpace(src)
			*dst = &v
			changed = true
		}
	}
	fillDate := func(dst **time.Time, src string) {
		if *dst == nil {
			if t := datePtr(src); t != nil {
				*dst = t
				changed = true
			}
		}
	}

	fill(&merged.RegNumber, meta.RegNumber)
	fill(&merged.URL, meta.URL)
	fill(&merged.CourtName, meta.CourtName)
	fill(&merged.JudgeName, meta.JudgeName)
	fill(&merged.DecisionType, meta.DecisionType)
	fillDate(&merged.DecisionDate, meta.DecisionDate)
	fillDate(&merged.LawDate, meta.LawDate)
	fill(&merged.CaseType, meta.CaseType)
	fill(&merged.CaseNumber, meta.CaseNumber)

	// classification_date is stamped by the update statement itself.
	if merged.ClassificationSrc == nil && cls.Complete() {
		src := string(cls.Source)
		merged.CourtRegion = strPtr(cls.CourtRegion)
		merged.InstanceType = strPtr(cls.InstanceType)
		merged.ClassificationSrc = &src
		changed = true
	}

	if merged.TaskID == nil && taskID != nil {
		merged.TaskID = taskID
		changed = true
	}
	if merged.ClientID == nil && clientID != nil {
		merged.ClientID = clientID
		changed = true
	}

	return merged, changed
}

func creditClientDocument(ctx context.Context, tx pgx.Tx, clientID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE download_clients
		SET total_documents_downloaded = total_documents_downloaded + 1,
			updated_at = NOW()
		WHERE id = $1`,
		clientID)
	return storeErr("credit client document", err)
}

func scanDocument(row scanner) (registry.Document, error) {
	var d registry.Document
	err := row.Scan(
		&d.SystemID, &d.ExternalID, &d.RegNumber, &d.URL, &d.CourtName,
		&d.JudgeName, &d.DecisionType, &d.DecisionDate, &d.LawDate, &d.CaseType,
		&d.CaseNumber, &d.CourtRegion, &d.InstanceType, &d.ClassificationSrc,
		&d.ClassificationDate, &d.TaskID, &d.ClientID, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return registry.Document{}, err
	}
	return d, nil
}

func strPtr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// datePtr parses a registry-format date string, returning nil when the
// value is absent or unparseable. Bad dates are dropped, not fatal.
func datePtr(s string) *time.Time {
	t, err := registry.ParseRegistryDate(s)
	if err != nil {
		return nil
	}
	return &t
}
