package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"memtriage/internal/engine"
	"memtriage/internal/fingerprint"
)

type dumpModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Path         string    `gorm:"type:text;not null"`
	SHA256       string    `gorm:"type:text;uniqueIndex;not null"`
	SHA1         string    `gorm:"type:text"`
	MD5          string    `gorm:"type:text"`
	Size         int64     `gorm:"type:bigint;not null"`
	Format       string    `gorm:"type:text"`
	ProfileOS    string    `gorm:"type:text"`
	ProfileBuild string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt    time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (dumpModel) TableName() string { return "dumps" }

func (m dumpModel) toEntity() Dump {
	return Dump{
		ID:           m.ID,
		Path:         m.Path,
		SHA256:       m.SHA256,
		SHA1:         m.SHA1,
		MD5:          m.MD5,
		Size:         m.Size,
		Format:       m.Format,
		ProfileOS:    m.ProfileOS,
		ProfileBuild: m.ProfileBuild,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func dumpToModel(d *Dump) dumpModel {
	return dumpModel{
		ID:           d.ID,
		Path:         d.Path,
		SHA256:       d.SHA256,
		SHA1:         d.SHA1,
		MD5:          d.MD5,
		Size:         d.Size,
		Format:       d.Format,
		ProfileOS:    d.ProfileOS,
		ProfileBuild: d.ProfileBuild,
	}
}

type jobModel struct {
	ID            uuid.UUID                   `gorm:"type:uuid;primaryKey"`
	Fingerprint   string                      `gorm:"type:text;index;not null"`
	DumpID        uuid.UUID                   `gorm:"type:uuid;index;not null"`
	Plugins       datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	Status        string                      `gorm:"type:text;not null"`
	ErrorKind     string                      `gorm:"type:text"`
	ErrorMessage  string                      `gorm:"type:text"`
	StartedAt     *time.Time                  `gorm:"type:timestamptz"`
	CompletedAt   *time.Time                  `gorm:"type:timestamptz"`
	LastQueriedAt time.Time                   `gorm:"type:timestamptz;not null;default:now()"`
}

func (jobModel) TableName() string { return "analysis_jobs" }

func (m jobModel) toEntity() Job {
	return Job{
		ID:            m.ID,
		Fingerprint:   fingerprint.Fingerprint(m.Fingerprint),
		DumpID:        m.DumpID,
		Plugins:       m.Plugins,
		Status:        JobStatus(m.Status),
		ErrorKind:     m.ErrorKind,
		ErrorMessage:  m.ErrorMessage,
		StartedAt:     m.StartedAt,
		CompletedAt:   m.CompletedAt,
		LastQueriedAt: m.LastQueriedAt,
	}
}

type artifactModel struct {
	ID      uuid.UUID      `gorm:"type:uuid;primaryKey"`
	JobID   uuid.UUID      `gorm:"type:uuid;index;not null"`
	Plugin  string         `gorm:"type:text;index;not null"`
	Seq     int            `gorm:"type:int;not null"`
	Payload datatypes.JSON `gorm:"type:jsonb;not null"`
	Bytes   int64          `gorm:"type:bigint;not null"`
}

func (artifactModel) TableName() string { return "artifacts" }

func (m artifactModel) toEntity() (Artifact, error) {
	var rec engine.Record
	if err := json.Unmarshal(m.Payload, &rec); err != nil {
		return Artifact{}, err
	}
	return Artifact{
		ID:     m.ID,
		JobID:  m.JobID,
		Plugin: m.Plugin,
		Seq:    m.Seq,
		Record: rec,
	}, nil
}

type findingCacheModel struct {
	JobID      uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Payload    datatypes.JSON `gorm:"type:jsonb;not null"`
	ComputedAt time.Time      `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (findingCacheModel) TableName() string { return "finding_cache" }

type provenanceModel struct {
	ID           int64     `gorm:"type:bigserial;primaryKey"`
	DumpID       uuid.UUID `gorm:"type:uuid;index;not null"`
	JobID        uuid.UUID `gorm:"type:uuid;index"`
	Plugin       string    `gorm:"type:text;not null"`
	CommandLine  string    `gorm:"type:text;not null"`
	DurationMS   int64     `gorm:"type:bigint"`
	RowCount     int       `gorm:"type:int"`
	Success      bool      `gorm:"type:boolean;not null"`
	ErrorMessage string    `gorm:"type:text"`
	ExecutedAt   time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (provenanceModel) TableName() string { return "provenance" }

func (m provenanceModel) toEntity() ProvenanceEntry {
	return ProvenanceEntry{
		ID:          m.ID,
		DumpID:      m.DumpID,
		JobID:       m.JobID,
		Plugin:      m.Plugin,
		CommandLine: m.CommandLine,
		Duration:    time.Duration(m.DurationMS) * time.Millisecond,
		RowCount:    m.RowCount,
		Success:     m.Success,
		Error:       m.ErrorMessage,
		ExecutedAt:  m.ExecutedAt,
	}
}
