package ehrsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ehr/ehrsync/internal/domain/conflict"
	"github.com/ehr/ehrsync/internal/platform/auth"
	"github.com/ehr/ehrsync/internal/platform/fhir"
)

// SyncService runs a bidirectional sync: pull, detect conflicts against
// locally changed records, resolve what can be resolved automatically, then
// push the rest.
type SyncService struct {
	pull     *PullService
	push     *PushService
	resolver *conflict.Resolver
	serviceSettings
}

func NewSyncService(pull *PullService, push *PushService, resolver *conflict.Resolver, opts ...ServiceOption) *SyncService {
	if resolver == nil {
		resolver = conflict.NewResolver()
	}
	return &SyncService{pull: pull, push: push, resolver: resolver, serviceSettings: newServiceSettings(opts)}
}

type pulledResource struct {
	raw     json.RawMessage
	version string
}

// SyncPatient pulls patientID from the remote server and pushes the local
// records of patientHash back. A local record that changed since its last
// sync is compared with the freshly pulled copy; a conflict is registered
// with the resolver and either auto-resolved (the resolution is pushed as an
// update) or held back from the push until an operator resolves it. An
// operator resolution is written to the remote server on the next sync of
// the patient.
func (s *SyncService) SyncPatient(ctx context.Context, patientID, patientHash string, tok *auth.TokenInfo, opts SyncOptions) (*SyncReport, error) {
	report := &SyncReport{}

	pulled, err := s.pull.PullPatientData(ctx, patientID, tok, PullOptions{
		ResourceTypes: opts.ResourceTypes,
		SkipIngest:    opts.DryRun,
	})
	report.Pull = pulled
	if err != nil {
		return report, fmt.Errorf("pull: %w", err)
	}

	snap, err := s.push.snapshot(ctx, patientHash)
	if err != nil {
		return report, err
	}
	locals, err := snap.resources()
	if err != nil {
		return report, err
	}
	remote := indexPulled(pulled.Bundle)
	source := s.push.source()

	var (
		exclude  []string
		resolved []SyncResult
	)
	for _, lr := range locals {
		m, ok := snap.mapping(lr.ResourceType, lr.InternalID)
		if !ok || m.ExternalID == "" {
			continue
		}

		settled, err := s.resolver.Unapplied(ctx, source, lr.ResourceType, m.ExternalID)
		if err != nil {
			return report, err
		}
		if settled != nil {
			exclude = append(exclude, lr.InternalID)
			if opts.DryRun {
				continue
			}
			res := s.applyResolution(ctx, snap, tok, lr, m.ExternalID, settled)
			resolved = append(resolved, res)
			if res.Success {
				report.Applied++
			}
			continue
		}

		if m.LocalVersion == lr.Version {
			continue
		}
		rc, ok := remote[mappingKey{lr.ResourceType, m.ExternalID}]
		if !ok {
			continue
		}
		info := s.resolver.DetectConflict(lr.ResourceType, m.ExternalID, lr.Payload, rc.raw, m.RemoteVersion, rc.version)
		if info == nil {
			continue
		}
		info.System = source

		rec, err := s.resolver.Register(ctx, *info)
		if err != nil {
			return report, err
		}
		exclude = append(exclude, lr.InternalID)

		if opts.DryRun || rec.Status != conflict.StatusPending || !s.resolver.CanAutoResolve(info) {
			report.Conflicts = append(report.Conflicts, rec)
			continue
		}
		done, err := s.resolver.Resolve(ctx, rec.ID, s.resolver.Strategy(), nil)
		if err != nil {
			s.logger.Warn().Err(err).Str("conflict_id", rec.ID).Msg("auto-resolve failed")
			report.Conflicts = append(report.Conflicts, rec)
			continue
		}
		report.Conflicts = append(report.Conflicts, done)
		report.AutoResolved++
		resolved = append(resolved, s.applyResolution(ctx, snap, tok, lr, m.ExternalID, done))
	}

	pushed, err := s.push.pushSnapshot(ctx, snap, tok, PushOptions{DryRun: opts.DryRun, Exclude: exclude})
	if err != nil {
		return report, fmt.Errorf("push: %w", err)
	}
	pushed.Results = append(resolved, pushed.Results...)
	pushed.Summary = Summarize(pushed.Results)
	report.Push = pushed

	s.logger.Info().
		Str("patient", patientID).
		Int("conflicts", len(report.Conflicts)).
		Int("auto_resolved", report.AutoResolved).
		Int("applied", report.Applied).
		Msg("sync completed")
	return report, nil
}

// applyResolution pushes the resolved data of rec and marks it applied once
// the remote server accepted it. A failed push leaves rec unapplied for the
// next sync.
func (s *SyncService) applyResolution(ctx context.Context, snap *localSnapshot, tok *auth.TokenInfo, lr localResource, externalID string, rec *conflict.Record) SyncResult {
	res := s.push.updateResource(ctx, snap, tok, lr, externalID, rec.Resolution.Data)
	if !res.Success {
		return res
	}
	if _, err := s.resolver.MarkApplied(ctx, rec.ID); err != nil {
		s.logger.Warn().Err(err).Str("conflict_id", rec.ID).Msg("mark resolution applied failed")
	}
	return res
}

func indexPulled(b *fhir.Bundle) map[mappingKey]pulledResource {
	out := make(map[mappingKey]pulledResource)
	for _, raw := range b.Resources() {
		rt, _, err := fhir.PeekType(raw)
		if err != nil || rt == "" {
			continue
		}
		id, version := remoteMeta(raw)
		if id == "" {
			continue
		}
		out[mappingKey{rt, id}] = pulledResource{raw: raw, version: version}
	}
	return out
}
