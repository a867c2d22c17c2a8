package version

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/audit"
)

var (
	ErrNotFound = errors.New("data version not found")

	NowFunc = time.Now // mockable

	// CompressThreshold is the snapshot size from which snapshots are always compressed.
	CompressThreshold = 4 << 10
)

type (
	// BuildFunc builds the DataVersion numbered next. current is the zero DataVersion for a new parent.
	BuildFunc func(next int, current DataVersion) (DataVersion, error)

	Repository interface {
		// CreateVersion numbers the new version max+1, demotes the current version of parentID
		// and stores the built one as current. All of it happens atomically.
		CreateVersion(ctx context.Context, parentID string, build BuildFunc) (DataVersion, error)
		GetVersion(ctx context.Context, id string) (DataVersion, error)
		// ListVersions returns the versions of parentID ordered by version number.
		ListVersions(ctx context.Context, parentID string) ([]DataVersion, error)
		CurrentVersion(ctx context.Context, parentID string) (DataVersion, error)
	}

	Service struct {
		repo     Repository
		auditSvc *audit.Service
		metrics  core.Metrics
	}
)

func NewService(repo Repository, auditSvc *audit.Service, metrics core.Metrics) *Service {
	return &Service{
		repo:     repo,
		auditSvc: auditSvc,
		metrics:  metrics,
	}
}

// Create snapshots data as the new current version of parentID.
func (svc *Service) Create(ctx context.Context, rc core.RequestContext, parentID string, data map[string]interface{}, opts Options) (DataVersion, error) {
	if parentID == "" {
		return DataVersion{}, core.NewValidationError(nil, core.FieldError{Field: "parent_id", Error: "this field is required"})
	}
	if data == nil {
		data = make(map[string]interface{})
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return DataVersion{}, errors.Wrap(err, "encoding snapshot")
	}
	if opts.Type == "" {
		opts.Type = TypeManual
	}
	v, _, err := svc.create(ctx, rc, parentID, raw, opts, nil)
	return v, err
}

// create stores raw as the new current version of parentID and returns it along with the version it replaced.
// prepare, when set, runs against the replaced version within the repository transaction.
func (svc *Service) create(ctx context.Context, rc core.RequestContext, parentID string, raw []byte, opts Options,
	prepare func(current DataVersion) (map[string]interface{}, error)) (DataVersion, DataVersion, error) {
	snapshot, compressed := raw, false
	if opts.Compress || len(raw) >= CompressThreshold {
		var err error
		if snapshot, err = compress(raw); err != nil {
			return DataVersion{}, DataVersion{}, err
		}
		compressed = true
	}

	var prev DataVersion
	v, err := svc.repo.CreateVersion(ctx, parentID, func(next int, current DataVersion) (DataVersion, error) {
		meta := opts.Metadata
		if prepare != nil {
			var err error
			if meta, err = prepare(current); err != nil {
				return DataVersion{}, err
			}
		}
		prev = current
		v := DataVersion{
			ID:           uuid.New().String(),
			ParentID:     parentID,
			Version:      next,
			Snapshot:     snapshot,
			IsCompressed: compressed,
			SizeBytes:    len(raw),
			IsCurrent:    true,
			Type:         opts.Type,
			PreviousID:   current.ID,
			Metadata:     meta,
			CreatedBy:    rc.ActorID,
			CreatedAt:    NowFunc().UTC().Truncate(time.Microsecond),
		}
		sum, err := v.ComputeChecksum()
		if err != nil {
			return DataVersion{}, err
		}
		v.Checksum = sum
		return v, nil
	})
	if err != nil {
		return DataVersion{}, DataVersion{}, errors.Wrap(err, "creating data version")
	}

	_, err = svc.auditSvc.Log(ctx, rc, audit.Entry{
		Subject: v.Subject(),
		Action:  audit.ActionCreate,
		NewValues: map[string]interface{}{
			"parent_id": v.ParentID,
			"version":   v.Version,
			"type":      string(v.Type),
			"checksum":  v.Checksum,
		},
		Description: fmt.Sprintf("version %d of %s", v.Version, v.ParentID),
	})
	if err != nil {
		return DataVersion{}, DataVersion{}, errors.Wrap(err, "logging version creation")
	}
	return v, prev, nil
}

func (svc *Service) Get(ctx context.Context, id string) (DataVersion, error) {
	return svc.repo.GetVersion(ctx, id)
}

func (svc *Service) History(ctx context.Context, parentID string) ([]DataVersion, error) {
	return svc.repo.ListVersions(ctx, parentID)
}

func (svc *Service) Current(ctx context.Context, parentID string) (DataVersion, error) {
	return svc.repo.CurrentVersion(ctx, parentID)
}

// Compare diffs two versions of the same parent.
func (svc *Service) Compare(ctx context.Context, fromID, toID string) (Diff, error) {
	from, err := svc.repo.GetVersion(ctx, fromID)
	if err != nil {
		return Diff{}, err
	}
	to, err := svc.repo.GetVersion(ctx, toID)
	if err != nil {
		return Diff{}, err
	}
	if from.ParentID != to.ParentID {
		return Diff{}, core.NewValidationError(errors.New("versions belong to different parents"))
	}
	return from.CompareWith(to)
}

// Verify recomputes the checksum of a version and reports a mismatch as an integrity violation.
func (svc *Service) Verify(ctx context.Context, rc core.RequestContext, id string) (bool, error) {
	v, err := svc.repo.GetVersion(ctx, id)
	if err != nil {
		return false, err
	}
	if v.VerifyChecksum() {
		return true, nil
	}
	if err = svc.auditSvc.ReportViolation(ctx, rc, v.Subject(), v.Checksum); err != nil {
		return false, err
	}
	return false, nil
}

// Rollback restores the snapshot of targetID as a new current version of parentID.
// Tampered targets are refused with core.ErrIntegrityViolation.
func (svc *Service) Rollback(ctx context.Context, rc core.RequestContext, parentID, targetID string) (DataVersion, error) {
	target, err := svc.repo.GetVersion(ctx, targetID)
	if err != nil {
		return DataVersion{}, err
	}
	if target.ParentID != parentID {
		return DataVersion{}, ErrNotFound
	}
	if target.IsCurrent {
		return DataVersion{}, errors.Wrap(core.ErrInvalidTransition, "target is already the current version")
	}
	if !target.VerifyChecksum() {
		if err = svc.auditSvc.ReportViolation(ctx, rc, target.Subject(), target.Checksum); err != nil {
			return DataVersion{}, err
		}
		return DataVersion{}, core.ErrIntegrityViolation
	}

	raw, err := target.Raw()
	if err != nil {
		return DataVersion{}, err
	}
	v, current, err := svc.create(ctx, rc, parentID, raw, Options{Type: TypeRollback, Compress: target.IsCompressed},
		func(current DataVersion) (map[string]interface{}, error) {
			if current.ID == target.ID {
				return nil, errors.Wrap(core.ErrInvalidTransition, "target is already the current version")
			}
			return map[string]interface{}{
				MetaRollbackFrom:        current.ID,
				MetaRollbackTo:          target.ID,
				MetaRollbackFromVersion: current.Version,
				MetaRollbackToVersion:   target.Version,
			}, nil
		})
	if err != nil {
		return DataVersion{}, err
	}
	svc.metrics.Transition("data_version", string(current.Type), string(TypeRollback))

	_, err = svc.auditSvc.Log(ctx, rc, audit.Entry{
		Subject:     v.Subject(),
		Action:      audit.ActionRollback,
		OldValues:   map[string]interface{}{"version_id": current.ID, "version": current.Version},
		NewValues:   map[string]interface{}{"version_id": v.ID, "version": v.Version, "restored_version": target.Version},
		Description: fmt.Sprintf("rolled %s back to version %d", parentID, target.Version),
	})
	if err != nil {
		return DataVersion{}, errors.Wrap(err, "logging rollback")
	}
	return v, nil
}
