package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"memtriage/internal/engine"
	"memtriage/internal/fault"
	"memtriage/internal/fingerprint"
)

// Postgres is the durable Store backed by gorm. A partial unique index on
// (fingerprint) WHERE status = 'running' enforces the single-running-job
// invariant at the database level; RegisterRunning surfaces the conflict
// as ErrRunningExists.
type Postgres struct {
	orm *gorm.DB
}

// NewPostgres wraps an open gorm handle.
func NewPostgres(orm *gorm.DB) (*Postgres, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Postgres{orm: orm}, nil
}

var _ Store = (*Postgres)(nil)

func (p *Postgres) UpsertDump(ctx context.Context, d *Dump) error {
	orm := p.orm.WithContext(ctx)

	var existing dumpModel
	err := orm.Where("sha256 = ?", d.SHA256).First(&existing).Error
	switch {
	case err == nil:
		d.ID = existing.ID
		d.CreatedAt = existing.CreatedAt
		updates := map[string]any{
			"path":   d.Path,
			"format": d.Format,
		}
		return storeErr(orm.Model(&dumpModel{}).Where("id = ?", existing.ID).Updates(updates).Error)
	case errors.Is(err, gorm.ErrRecordNotFound):
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		model := dumpToModel(d)
		return storeErr(orm.Create(&model).Error)
	default:
		return storeErr(err)
	}
}

func (p *Postgres) DumpByID(ctx context.Context, id uuid.UUID) (*Dump, error) {
	var model dumpModel
	if err := p.orm.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, notFoundOr(err)
	}
	d := model.toEntity()
	return &d, nil
}

func (p *Postgres) DumpBySHA256(ctx context.Context, sha string) (*Dump, error) {
	var model dumpModel
	if err := p.orm.WithContext(ctx).First(&model, "sha256 = ?", sha).Error; err != nil {
		return nil, notFoundOr(err)
	}
	d := model.toEntity()
	return &d, nil
}

func (p *Postgres) ListDumps(ctx context.Context) ([]Dump, error) {
	var models []dumpModel
	if err := p.orm.WithContext(ctx).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, storeErr(err)
	}
	out := make([]Dump, 0, len(models))
	for _, m := range models {
		out = append(out, m.toEntity())
	}
	return out, nil
}

func (p *Postgres) SetDumpProfile(ctx context.Context, id uuid.UUID, osName, build string) error {
	res := p.orm.WithContext(ctx).Model(&dumpModel{}).Where("id = ?", id).Updates(map[string]any{
		"profile_os":    osName,
		"profile_build": build,
	})
	if res.Error != nil {
		return storeErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) RegisterRunning(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now().UTC()
	job.Status = StatusRunning
	job.StartedAt = &now
	job.LastQueriedAt = now

	model := jobModel{
		ID:            job.ID,
		Fingerprint:   string(job.Fingerprint),
		DumpID:        job.DumpID,
		Plugins:       datatypes.NewJSONSlice(job.Plugins),
		Status:        string(StatusRunning),
		StartedAt:     job.StartedAt,
		LastQueriedAt: now,
	}

	err := p.orm.WithContext(ctx).Create(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrRunningExists
		}
		return storeErr(err)
	}
	return nil
}

func (p *Postgres) CompleteJob(ctx context.Context, jobID uuid.UUID, status JobStatus, errKind, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("complete job: %q is not a terminal status", status)
	}

	now := time.Now().UTC()
	res := p.orm.WithContext(ctx).Model(&jobModel{}).
		Where("id = ? AND status = ?", jobID, StatusRunning).
		Updates(map[string]any{
			"status":        string(status),
			"error_kind":    errKind,
			"error_message": errMsg,
			"completed_at":  now,
		})
	if res.Error != nil {
		return storeErr(res.Error)
	}
	if res.RowsAffected == 0 {
		var model jobModel
		if err := p.orm.WithContext(ctx).First(&model, "id = ?", jobID).Error; err != nil {
			return notFoundOr(err)
		}
		return fmt.Errorf("complete job: job %s already %s", jobID, model.Status)
	}
	return nil
}

func (p *Postgres) JobByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	var model jobModel
	if err := p.orm.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, notFoundOr(err)
	}
	j := model.toEntity()
	return &j, nil
}

func (p *Postgres) RunningJob(ctx context.Context, fp fingerprint.Fingerprint) (*Job, error) {
	var model jobModel
	err := p.orm.WithContext(ctx).
		Where("fingerprint = ? AND status = ?", string(fp), StatusRunning).
		First(&model).Error
	if err != nil {
		return nil, notFoundOr(err)
	}
	j := model.toEntity()
	return &j, nil
}

func (p *Postgres) LatestSucceededJob(ctx context.Context, fp fingerprint.Fingerprint) (*Job, error) {
	var model jobModel
	err := p.orm.WithContext(ctx).
		Where("fingerprint = ? AND status = ?", string(fp), StatusSucceeded).
		Order("completed_at DESC").
		First(&model).Error
	if err != nil {
		return nil, notFoundOr(err)
	}
	j := model.toEntity()
	return &j, nil
}

func (p *Postgres) JobsByDump(ctx context.Context, dumpID uuid.UUID) ([]Job, error) {
	var models []jobModel
	err := p.orm.WithContext(ctx).
		Where("dump_id = ?", dumpID).
		Order("started_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, storeErr(err)
	}
	out := make([]Job, 0, len(models))
	for _, m := range models {
		out = append(out, m.toEntity())
	}
	return out, nil
}

func (p *Postgres) AppendArtifacts(ctx context.Context, jobID uuid.UUID, plugin string, records []engine.Record) error {
	return storeErr(p.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job jobModel
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			return err
		}
		if JobStatus(job.Status) != StatusRunning {
			return fmt.Errorf("append artifacts: job %s is %s, not running", jobID, job.Status)
		}

		var seq int64
		if err := tx.Model(&artifactModel{}).
			Where("job_id = ? AND plugin = ?", jobID, plugin).
			Count(&seq).Error; err != nil {
			return err
		}

		models := make([]artifactModel, 0, len(records))
		for i, rec := range records {
			payload, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			models = append(models, artifactModel{
				ID:      uuid.New(),
				JobID:   jobID,
				Plugin:  plugin,
				Seq:     int(seq) + i,
				Payload: payload,
				Bytes:   int64(len(payload)),
			})
		}
		if len(models) == 0 {
			return nil
		}
		return tx.CreateInBatches(models, 500).Error
	}))
}

func (p *Postgres) ArtifactsOf(ctx context.Context, jobID uuid.UUID, plugin string) ([]Artifact, error) {
	orm := p.orm.WithContext(ctx)

	var count int64
	if err := orm.Model(&jobModel{}).Where("id = ?", jobID).Count(&count).Error; err != nil {
		return nil, storeErr(err)
	}
	if count == 0 {
		return nil, ErrNotFound
	}

	q := orm.Where("job_id = ?", jobID)
	if plugin != "" {
		q = q.Where("plugin = ?", plugin)
	}
	var models []artifactModel
	if err := q.Order("plugin ASC, seq ASC").Find(&models).Error; err != nil {
		return nil, storeErr(err)
	}

	out := make([]Artifact, 0, len(models))
	for _, m := range models {
		a, err := m.toEntity()
		if err != nil {
			return nil, fault.Wrap(fault.KindStore, "store.artifacts_of", err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (p *Postgres) TouchQueried(ctx context.Context, fp fingerprint.Fingerprint) error {
	return storeErr(p.orm.WithContext(ctx).Model(&jobModel{}).
		Where("fingerprint = ?", string(fp)).
		Update("last_queried_at", time.Now().UTC()).Error)
}

func (p *Postgres) ArtifactBytes(ctx context.Context) (int64, error) {
	var total int64
	err := p.orm.WithContext(ctx).Model(&artifactModel{}).
		Select("COALESCE(SUM(bytes), 0)").
		Scan(&total).Error
	return total, storeErr(err)
}

func (p *Postgres) EvictToQuota(ctx context.Context, quota int64) ([]fingerprint.Fingerprint, error) {
	total, err := p.ArtifactBytes(ctx)
	if err != nil {
		return nil, err
	}
	if total <= quota {
		return nil, nil
	}

	type fpUsage struct {
		Fingerprint string
		Bytes       int64
		LastQueried time.Time
	}
	var usages []fpUsage
	err = p.orm.WithContext(ctx).Raw(`
		SELECT j.fingerprint,
		       COALESCE(SUM(a.bytes), 0) AS bytes,
		       MAX(j.last_queried_at)    AS last_queried
		FROM analysis_jobs j
		LEFT JOIN artifacts a ON a.job_id = j.id
		GROUP BY j.fingerprint
		HAVING COUNT(*) FILTER (WHERE j.status = ?) = 0
		ORDER BY MAX(j.last_queried_at) ASC`, StatusRunning).
		Scan(&usages).Error
	if err != nil {
		return nil, storeErr(err)
	}

	var evicted []fingerprint.Fingerprint
	for _, u := range usages {
		if total <= quota {
			break
		}
		err := p.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var jobIDs []uuid.UUID
			if err := tx.Model(&jobModel{}).
				Where("fingerprint = ?", u.Fingerprint).
				Pluck("id", &jobIDs).Error; err != nil {
				return err
			}
			if len(jobIDs) == 0 {
				return nil
			}
			if err := tx.Where("job_id IN ?", jobIDs).Delete(&artifactModel{}).Error; err != nil {
				return err
			}
			if err := tx.Where("job_id IN ?", jobIDs).Delete(&findingCacheModel{}).Error; err != nil {
				return err
			}
			return tx.Where("id IN ?", jobIDs).Delete(&jobModel{}).Error
		})
		if err != nil {
			return evicted, storeErr(err)
		}
		total -= u.Bytes
		evicted = append(evicted, fingerprint.Fingerprint(u.Fingerprint))
	}
	return evicted, nil
}

func (p *Postgres) PutFindingCache(ctx context.Context, jobID uuid.UUID, payload []byte) error {
	model := findingCacheModel{JobID: jobID, Payload: payload}
	return storeErr(p.orm.WithContext(ctx).Save(&model).Error)
}

func (p *Postgres) FindingCache(ctx context.Context, jobID uuid.UUID) ([]byte, error) {
	var model findingCacheModel
	if err := p.orm.WithContext(ctx).First(&model, "job_id = ?", jobID).Error; err != nil {
		return nil, notFoundOr(err)
	}
	return model.Payload, nil
}

func (p *Postgres) AppendProvenance(ctx context.Context, entry *ProvenanceEntry) error {
	model := provenanceModel{
		DumpID:       entry.DumpID,
		JobID:        entry.JobID,
		Plugin:       entry.Plugin,
		CommandLine:  entry.CommandLine,
		DurationMS:   entry.Duration.Milliseconds(),
		RowCount:     entry.RowCount,
		Success:      entry.Success,
		ErrorMessage: entry.Error,
	}
	if err := p.orm.WithContext(ctx).Create(&model).Error; err != nil {
		return storeErr(err)
	}
	entry.ID = model.ID
	entry.ExecutedAt = model.ExecutedAt
	return nil
}

func (p *Postgres) ProvenanceOf(ctx context.Context, dumpID uuid.UUID, limit int) ([]ProvenanceEntry, error) {
	q := p.orm.WithContext(ctx).
		Where("dump_id = ?", dumpID).
		Order("executed_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []provenanceModel
	if err := q.Find(&models).Error; err != nil {
		return nil, storeErr(err)
	}
	out := make([]ProvenanceEntry, 0, len(models))
	for _, m := range models {
		out = append(out, m.toEntity())
	}
	return out, nil
}

func notFoundOr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fault.Wrap(fault.KindStore, "store.query", err)
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return fault.Wrap(fault.KindStore, "store", err)
}
