package ehrsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ehr/ehrsync/internal/platform/adapter"
	"github.com/ehr/ehrsync/internal/platform/auth"
	"github.com/ehr/ehrsync/internal/platform/recordstore"
	"github.com/ehr/ehrsync/pkg/fhirmodels"
)

// PushService writes local records for a patient to one remote server.
type PushService struct {
	adapter adapter.ResourceAdapter
	store   recordstore.Store
	serviceSettings
}

func NewPushService(a adapter.ResourceAdapter, store recordstore.Store, opts ...ServiceOption) *PushService {
	return &PushService{adapter: a, store: store, serviceSettings: newServiceSettings(opts)}
}

// PushPatientData pushes the patient and their observations, conditions and
// medications. A resource with a mapped external id is updated; anything
// else is created. Each resource produces its own result.
func (s *PushService) PushPatientData(ctx context.Context, patientHash string, tok *auth.TokenInfo, opts PushOptions) (*PushResult, error) {
	snap, err := s.snapshot(ctx, patientHash)
	if err != nil {
		return nil, err
	}
	return s.pushSnapshot(ctx, snap, tok, opts)
}

// source is the mapping namespace of this service.
func (s *PushService) source() string { return s.sourceFor(s.adapter) }

// snapshot reads everything stored for a patient plus this server's
// mappings.
func (s *PushService) snapshot(ctx context.Context, patientHash string) (*localSnapshot, error) {
	pt, err := s.store.GetPatient(ctx, patientHash)
	if err != nil {
		return nil, fmt.Errorf("get patient %s: %w", patientHash, err)
	}
	obs, err := s.store.GetPatientObservations(ctx, patientHash)
	if err != nil {
		return nil, fmt.Errorf("get observations: %w", err)
	}
	conds, err := s.store.GetPatientConditions(ctx, patientHash)
	if err != nil {
		return nil, fmt.Errorf("get conditions: %w", err)
	}
	meds, err := s.store.GetPatientMedications(ctx, patientHash)
	if err != nil {
		return nil, fmt.Errorf("get medications: %w", err)
	}
	maps, err := s.store.GetPatientFHIRMappings(ctx, patientHash, s.source())
	if err != nil {
		return nil, fmt.Errorf("get mappings: %w", err)
	}

	snap := &localSnapshot{
		patientHash: patientHash,
		patient:     pt,
		obs:         obs,
		conds:       conds,
		meds:        meds,
		mappings:    make(map[mappingKey]recordstore.Mapping, len(maps)),
	}
	for _, m := range maps {
		snap.mappings[mappingKey{m.ResourceType, m.InternalID}] = m
	}
	return snap, nil
}

func (s *PushService) pushSnapshot(ctx context.Context, snap *localSnapshot, tok *auth.TokenInfo, opts PushOptions) (*PushResult, error) {
	excluded := make(map[string]bool, len(opts.Exclude))
	for _, id := range opts.Exclude {
		excluded[id] = true
	}

	res := &PushResult{}
	// The patient goes first so that a newly created remote id becomes the
	// subject of everything pushed after it.
	all, err := snap.resources()
	if err != nil {
		return nil, err
	}
	patient, rest := all[0], all[1:]
	if !excluded[patient.InternalID] {
		created := snap.remoteID(fhirmodels.ResourcePatient, patient.InternalID) == ""
		r := s.pushResource(ctx, snap, tok, patient, opts.DryRun)
		res.Results = append(res.Results, r)
		if r.Success && created && !opts.DryRun {
			// re-render with the remote patient reference
			if all, err = snap.resources(); err != nil {
				return nil, err
			}
			rest = all[1:]
		}
	}

	for _, lr := range rest {
		if excluded[lr.InternalID] {
			continue
		}
		res.Results = append(res.Results, s.pushResource(ctx, snap, tok, lr, opts.DryRun))
	}
	res.Summary = Summarize(res.Results)

	s.logger.Info().
		Str("ehr_system", s.adapter.System()).
		Str("patient_hash", snap.patientHash).
		Bool("dry_run", opts.DryRun).
		Int("succeeded", res.Summary.Succeeded).
		Int("failed", res.Summary.Failed).
		Msg("push completed")
	return res, nil
}

// pushResource creates or updates one resource and records the mapping. The
// snapshot's mappings are updated in place on success.
func (s *PushService) pushResource(ctx context.Context, snap *localSnapshot, tok *auth.TokenInfo, lr localResource, dryRun bool) SyncResult {
	externalID := snap.remoteID(lr.ResourceType, lr.InternalID)
	if dryRun {
		id := externalID
		if id == "" {
			id = lr.InternalID
		}
		return result(DirectionPush, lr.ResourceType, id, s.now(), nil)
	}

	var (
		written json.RawMessage
		err     error
	)
	if externalID != "" {
		written, err = s.adapter.Update(ctx, tok, lr.ResourceType, externalID, lr.Payload)
	} else {
		written, err = s.adapter.Create(ctx, tok, lr.ResourceType, lr.Payload)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("resource_type", lr.ResourceType).Str("internal_id", lr.InternalID).Msg("push failed")
		return result(DirectionPush, lr.ResourceType, externalID, s.now(), err)
	}

	id, version := remoteMeta(written)
	if id == "" {
		id = externalID
	}
	if err := s.recordMapping(ctx, snap, lr, id, version); err != nil {
		return result(DirectionPush, lr.ResourceType, id, s.now(), err)
	}
	return result(DirectionPush, lr.ResourceType, id, s.now(), nil)
}

// updateResource writes payload over an existing remote resource and records
// the mapping. Used for conflict resolutions.
func (s *PushService) updateResource(ctx context.Context, snap *localSnapshot, tok *auth.TokenInfo, lr localResource, externalID string, payload json.RawMessage) SyncResult {
	body, err := withID(payload, externalID)
	if err != nil {
		return result(DirectionPush, lr.ResourceType, externalID, s.now(), fmt.Errorf("prepare resolved payload: %w", err))
	}
	written, err := s.adapter.Update(ctx, tok, lr.ResourceType, externalID, body)
	if err != nil {
		return result(DirectionPush, lr.ResourceType, externalID, s.now(), err)
	}
	_, version := remoteMeta(written)
	if err := s.recordMapping(ctx, snap, lr, externalID, version); err != nil {
		return result(DirectionPush, lr.ResourceType, externalID, s.now(), err)
	}
	return result(DirectionPush, lr.ResourceType, externalID, s.now(), nil)
}

func (s *PushService) recordMapping(ctx context.Context, snap *localSnapshot, lr localResource, externalID, remoteVersion string) error {
	if externalID == "" {
		return fmt.Errorf("%s/%s: server returned no id", lr.ResourceType, lr.InternalID)
	}
	m := recordstore.Mapping{
		InternalID:    lr.InternalID,
		ResourceType:  lr.ResourceType,
		System:        s.source(),
		PatientHash:   snap.patientHash,
		ExternalID:    externalID,
		LocalVersion:  lr.Version,
		RemoteVersion: remoteVersion,
	}
	if err := s.store.UpdateFHIRMapping(ctx, m); err != nil {
		return fmt.Errorf("record mapping %s/%s: %w", lr.ResourceType, lr.InternalID, err)
	}
	snap.mappings[mappingKey{lr.ResourceType, lr.InternalID}] = m
	return nil
}
