package recordstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/ehrsync/internal/platform/db"
	"github.com/ehr/ehrsync/internal/platform/fhir"
)

const (
	upsertIngested = `INSERT INTO ingested_resources
    (source_system, resource_type, external_id, version_id, patient_ref, payload)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (source_system, resource_type, external_id) DO UPDATE
SET version_id = EXCLUDED.version_id,
    patient_ref = EXCLUDED.patient_ref,
    payload = EXCLUDED.payload,
    updated_at = NOW()
WHERE ingested_resources.payload IS DISTINCT FROM EXCLUDED.payload
RETURNING (xmax = 0) AS inserted`

	selectPatient = `SELECT id, patient_hash, mrn, given_name, family_name, birth_date, gender, version, updated_at
FROM patients WHERE patient_hash = $1`

	selectObservations = `SELECT id, patient_hash, status, category, code, code_system, display,
    value, unit, value_string, effective_at, version, updated_at
FROM observations WHERE patient_hash = $1 ORDER BY id`

	selectConditions = `SELECT id, patient_hash, code, code_system, display, clinical_status,
    onset_date, recorded_date, version, updated_at
FROM conditions WHERE patient_hash = $1 ORDER BY id`

	selectMedications = `SELECT id, patient_hash, rxnorm_code, display, status, intent, dosage,
    authored_on, version, updated_at
FROM medications WHERE patient_hash = $1 ORDER BY id`

	selectMappings = `SELECT internal_id, resource_type, ehr_system, patient_hash, external_id,
    local_version, remote_version, last_synced_at
FROM fhir_mappings WHERE patient_hash = $1 AND ehr_system = $2
ORDER BY resource_type, internal_id`

	upsertMapping = `INSERT INTO fhir_mappings
    (ehr_system, resource_type, internal_id, patient_hash, external_id, local_version, remote_version, last_synced_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
ON CONFLICT (ehr_system, resource_type, internal_id) DO UPDATE
SET patient_hash = EXCLUDED.patient_hash,
    external_id = EXCLUDED.external_id,
    local_version = EXCLUDED.local_version,
    remote_version = EXCLUDED.remote_version,
    last_synced_at = NOW()`
)

// PostgresStore is the Store backed by the record-store schema.
type PostgresStore struct {
	pool db.PgxPool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool db.PgxPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// IngestBundle upserts every recognized entry in one transaction. An entry
// whose payload is unchanged is reported as skipped.
func (s *PostgresStore) IngestBundle(ctx context.Context, b *fhir.Bundle, source string) (report *IngestReport, err error) {
	if source == "" {
		return nil, errNoSource
	}
	report = newIngestReport(source)
	entries := classify(b, report)
	if len(entries) == 0 {
		return report, nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("ingest: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = fmt.Errorf("ingest: commit: %w", e)
			report = nil
		}
	}()

	for _, e := range entries {
		var inserted bool
		scanErr := tx.QueryRow(ctx, upsertIngested,
			source, e.resourceType, e.externalID, e.versionID, e.patientRef, e.payload,
		).Scan(&inserted)
		switch {
		case errors.Is(scanErr, pgx.ErrNoRows):
			report.Skipped[e.resourceType]++
		case scanErr != nil:
			return nil, fmt.Errorf("ingest %s/%s: %w", e.resourceType, e.externalID, scanErr)
		case inserted:
			report.Created[e.resourceType]++
		default:
			report.Updated[e.resourceType]++
		}
	}
	return report, nil
}

func (s *PostgresStore) GetPatient(ctx context.Context, patientHash string) (*Patient, error) {
	var p Patient
	err := s.pool.QueryRow(ctx, selectPatient, patientHash).Scan(
		&p.ID, &p.Hash, &p.MRN, &p.GivenName, &p.FamilyName, &p.BirthDate, &p.Gender, &p.Version, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("patient %s: %w", patientHash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) GetPatientObservations(ctx context.Context, patientHash string) ([]Observation, error) {
	rows, err := s.pool.Query(ctx, selectObservations, patientHash)
	if err != nil {
		return nil, fmt.Errorf("get observations: %w", err)
	}
	defer rows.Close()

	out := []Observation{}
	for rows.Next() {
		var o Observation
		if err := rows.Scan(&o.ID, &o.PatientHash, &o.Status, &o.Category, &o.Code, &o.CodeSystem, &o.Display,
			&o.Value, &o.Unit, &o.ValueString, &o.EffectiveAt, &o.Version, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetPatientConditions(ctx context.Context, patientHash string) ([]Condition, error) {
	rows, err := s.pool.Query(ctx, selectConditions, patientHash)
	if err != nil {
		return nil, fmt.Errorf("get conditions: %w", err)
	}
	defer rows.Close()

	out := []Condition{}
	for rows.Next() {
		var c Condition
		if err := rows.Scan(&c.ID, &c.PatientHash, &c.Code, &c.CodeSystem, &c.Display, &c.ClinicalStatus,
			&c.OnsetDate, &c.RecordedDate, &c.Version, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan condition: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetPatientMedications(ctx context.Context, patientHash string) ([]Medication, error) {
	rows, err := s.pool.Query(ctx, selectMedications, patientHash)
	if err != nil {
		return nil, fmt.Errorf("get medications: %w", err)
	}
	defer rows.Close()

	out := []Medication{}
	for rows.Next() {
		var m Medication
		if err := rows.Scan(&m.ID, &m.PatientHash, &m.RxNormCode, &m.Display, &m.Status, &m.Intent, &m.Dosage,
			&m.AuthoredOn, &m.Version, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan medication: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetPatientFHIRMappings(ctx context.Context, patientHash, system string) ([]Mapping, error) {
	rows, err := s.pool.Query(ctx, selectMappings, patientHash, system)
	if err != nil {
		return nil, fmt.Errorf("get mappings: %w", err)
	}
	defer rows.Close()

	out := []Mapping{}
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.InternalID, &m.ResourceType, &m.System, &m.PatientHash, &m.ExternalID,
			&m.LocalVersion, &m.RemoteVersion, &m.LastSyncedAt); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateFHIRMapping(ctx context.Context, m Mapping) error {
	if m.InternalID == "" || m.ResourceType == "" || m.System == "" {
		return fmt.Errorf("update mapping: internal id, resource type and system are required")
	}
	_, err := s.pool.Exec(ctx, upsertMapping,
		m.System, m.ResourceType, m.InternalID, m.PatientHash, m.ExternalID, m.LocalVersion, m.RemoteVersion,
	)
	if err != nil {
		return fmt.Errorf("update mapping: %w", err)
	}
	return nil
}
