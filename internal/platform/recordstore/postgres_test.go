package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/ehr/ehrsync/internal/platform/fhir"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return NewPostgresStore(mock), mock
}

func bundleOf(resources ...string) *fhir.Bundle {
	raws := make([]json.RawMessage, 0, len(resources))
	for _, r := range resources {
		raws = append(raws, json.RawMessage(r))
	}
	return fhir.NewCollectionBundle(raws)
}

func TestPostgresStore_IngestBundle(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()

	b := bundleOf(
		`{"resourceType":"Patient","id":"p1","meta":{"versionId":"3"}}`,
		`{"resourceType":"Observation","id":"o1","subject":{"reference":"Patient/p1"}}`,
		`{"resourceType":"Condition","id":"c1","subject":{"reference":"Patient/p1"}}`,
		`{"resourceType":"Basic","id":"b1"}`,
		`{"id":"no-type"}`,
	)

	q := regexp.QuoteMeta(upsertIngested)
	mock.ExpectBegin()
	mock.ExpectQuery(q).
		WithArgs("epic", "Patient", "p1", "3", "Patient/p1", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectQuery(q).
		WithArgs("epic", "Observation", "o1", "", "Patient/p1", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(q).
		WithArgs("epic", "Condition", "c1", "", "Patient/p1", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(false))
	mock.ExpectCommit()

	report, err := s.IngestBundle(context.Background(), b, "epic")
	require.NoError(t, err)
	require.Equal(t, 1, report.Created["Patient"])
	require.Equal(t, 1, report.Skipped["Observation"])
	require.Equal(t, 1, report.Updated["Condition"])
	require.Equal(t, []string{"Basic"}, report.Unrecognized)
	require.Len(t, report.ParseErrors, 1)
	require.Equal(t, 3, report.Total())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IngestBundle_RollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(upsertIngested)).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := s.IngestBundle(context.Background(), bundleOf(`{"resourceType":"Patient","id":"p1"}`), "epic")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Patient/p1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IngestBundle_NothingToWrite(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()

	report, err := s.IngestBundle(context.Background(), bundleOf(`{"resourceType":"Basic","id":"b1"}`), "epic")
	require.NoError(t, err)
	require.Equal(t, 0, report.Total())
	require.NoError(t, mock.ExpectationsWereMet())

	_, err = s.IngestBundle(context.Background(), bundleOf(), "")
	require.Error(t, err)
}

func TestPostgresStore_GetPatient(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()

	now := time.Now().UTC()
	cols := []string{"id", "patient_hash", "mrn", "given_name", "family_name", "birth_date", "gender", "version", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta(selectPatient)).
		WithArgs("hash-1").
		WillReturnRows(pgxmock.NewRows(cols).AddRow("pt-1", "hash-1", "MRN-1", "Jane", "Doe", "1980-02-03", "female", int64(4), now))
	mock.ExpectQuery(regexp.QuoteMeta(selectPatient)).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	p, err := s.GetPatient(context.Background(), "hash-1")
	require.NoError(t, err)
	require.Equal(t, "pt-1", p.ID)
	require.Equal(t, "Doe", p.FamilyName)
	require.Equal(t, int64(4), p.Version)

	_, err = s.GetPatient(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetPatientObservations(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()

	now := time.Now().UTC()
	temp := 37.2
	cols := []string{"id", "patient_hash", "status", "category", "code", "code_system", "display",
		"value", "unit", "value_string", "effective_at", "version", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta(selectObservations)).
		WithArgs("hash-1").
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("o1", "hash-1", "final", "vital-signs", "8310-5", "http://loinc.org", "Body temperature",
				&temp, "Cel", "", "2026-01-01T10:00:00Z", int64(1), now).
			AddRow("o2", "hash-1", "final", "social-history", "72166-2", "http://loinc.org", "Tobacco use",
				(*float64)(nil), "", "Never smoker", "2026-01-01T10:00:00Z", int64(2), now))

	obs, err := s.GetPatientObservations(context.Background(), "hash-1")
	require.NoError(t, err)
	require.Len(t, obs, 2)
	require.NotNil(t, obs[0].Value)
	require.Equal(t, 37.2, *obs[0].Value)
	require.Nil(t, obs[1].Value)
	require.Equal(t, "Never smoker", obs[1].ValueString)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ConditionsAndMedications(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(selectConditions)).
		WithArgs("hash-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "patient_hash", "code", "code_system", "display",
			"clinical_status", "onset_date", "recorded_date", "version", "updated_at"}).
			AddRow("c1", "hash-1", "44054006", "http://snomed.info/sct", "Type 2 diabetes", "active",
				"2020-01-01", "2020-01-02", int64(1), now))
	mock.ExpectQuery(regexp.QuoteMeta(selectMedications)).
		WithArgs("hash-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "patient_hash", "rxnorm_code", "display", "status",
			"intent", "dosage", "authored_on", "version", "updated_at"}).
			AddRow("m1", "hash-1", "860975", "Metformin 500 MG", "active", "order", "500 mg twice daily",
				"2020-01-02", int64(1), now))

	conds, err := s.GetPatientConditions(context.Background(), "hash-1")
	require.NoError(t, err)
	require.Len(t, conds, 1)
	require.Equal(t, "active", conds[0].ClinicalStatus)

	meds, err := s.GetPatientMedications(context.Background(), "hash-1")
	require.NoError(t, err)
	require.Len(t, meds, 1)
	require.Equal(t, "860975", meds[0].RxNormCode)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Mappings(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(selectMappings)).
		WithArgs("hash-1", "epic").
		WillReturnRows(pgxmock.NewRows([]string{"internal_id", "resource_type", "ehr_system", "patient_hash",
			"external_id", "local_version", "remote_version", "last_synced_at"}).
			AddRow("c1", "Condition", "epic", "hash-1", "ext-c1", int64(2), "5", now))
	mock.ExpectExec(regexp.QuoteMeta(upsertMapping)).
		WithArgs("epic", "Condition", "c1", "hash-1", "ext-c1", int64(3), "6").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	maps, err := s.GetPatientFHIRMappings(context.Background(), "hash-1", "epic")
	require.NoError(t, err)
	require.Len(t, maps, 1)
	require.Equal(t, "ext-c1", maps[0].ExternalID)
	require.Equal(t, int64(2), maps[0].LocalVersion)

	m := maps[0]
	m.LocalVersion = 3
	m.RemoteVersion = "6"
	require.NoError(t, s.UpdateFHIRMapping(context.Background(), m))

	require.Error(t, s.UpdateFHIRMapping(context.Background(), Mapping{}))
	require.NoError(t, mock.ExpectationsWereMet())
}
