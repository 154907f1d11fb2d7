package rollout

import (
	"context"
	"fmt"

	"github.com/openfroyo/cellular/pkg/engine"
	"github.com/openfroyo/cellular/pkg/stores"
	"github.com/openfroyo/cellular/pkg/telemetry"
)

// Drift describes a cell whose stack no longer matches its registry record.
type Drift struct {
	CellID          string `json:"cell_id"`
	Reason          string `json:"reason"`
	RecordedVersion int    `json:"recorded_version"`
	StackVersion    int    `json:"stack_version,omitempty"`
}

// DetectDrift compares every cell's recorded template version with its stack
// and the stack's template hash with the stored template content.
func (s *Service) DetectDrift(ctx context.Context) (drifts []Drift, err error) {
	op := telemetry.StartOperation(s.tel.WithContext(ctx), "rollout.drift")
	defer func() { op.End(err) }()
	ctx = op.Ctx

	cells, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	hashes := make(map[int]string)
	drifts = []Drift{}
	for _, cell := range cells {
		if cell.Status == stores.CellStatusCreating || cell.Status == stores.CellStatusDeleting {
			continue
		}

		drift, err := s.checkDrift(ctx, cell, hashes)
		if err != nil {
			op.Logger.WithCellID(cell.ID).WithError(err).Error("Drift check failed")
			return nil, err
		}
		if drift == nil {
			continue
		}

		s.tel.Metrics.RecordDriftDetection(cell.ID)
		_ = s.tel.Events.PublishDriftDetected(cell.ID, drift.Reason)
		op.Logger.WithCellID(cell.ID).WithField("reason", drift.Reason).Warn("Drift detected")
		drifts = append(drifts, *drift)
	}
	op.Logger.WithField("drifted", len(drifts)).WithField("duration_ms", op.Timer.Duration().Milliseconds()).Info("Drift check finished")
	return drifts, nil
}

func (s *Service) checkDrift(ctx context.Context, cell *stores.Cell, hashes map[int]string) (*Drift, error) {
	drift := &Drift{CellID: cell.ID, RecordedVersion: cell.TemplateVersion}

	stack, err := s.provisioner.DescribeStack(ctx, cell.StackName)
	if err != nil {
		if engine.CodeOf(err) == engine.ErrCodeNotFound {
			drift.Reason = fmt.Sprintf("stack %s is missing", cell.StackName)
			return drift, nil
		}
		return nil, err
	}
	drift.StackVersion = stack.TemplateVersion

	if stack.TemplateVersion != cell.TemplateVersion {
		drift.Reason = fmt.Sprintf("stack runs template %d, cell records %d", stack.TemplateVersion, cell.TemplateVersion)
		return drift, nil
	}

	hash, ok := hashes[stack.TemplateVersion]
	if !ok {
		tmpl, err := s.store.GetTemplate(ctx, stack.TemplateVersion)
		if err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("failed to get template %d: %w", stack.TemplateVersion, err)
		}
		if tmpl != nil {
			hash = tmpl.Hash
		}
		hashes[stack.TemplateVersion] = hash
	}

	switch {
	case hash == "":
		drift.Reason = fmt.Sprintf("template %d no longer exists", stack.TemplateVersion)
	case stack.TemplateHash != hash:
		drift.Reason = fmt.Sprintf("stack template hash %s differs from template %d", short(stack.TemplateHash), stack.TemplateVersion)
	default:
		return nil, nil
	}
	return drift, nil
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
