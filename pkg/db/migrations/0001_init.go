package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Dump struct {
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

type AnalysisJob struct {
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
	Dump          Dump                        `gorm:"foreignKey:DumpID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Artifact struct {
	ID      uuid.UUID      `gorm:"type:uuid;primaryKey"`
	JobID   uuid.UUID      `gorm:"type:uuid;index;not null"`
	Plugin  string         `gorm:"type:text;index;not null"`
	Seq     int            `gorm:"type:int;not null"`
	Payload datatypes.JSON `gorm:"type:jsonb;not null"`
	Bytes   int64          `gorm:"type:bigint;not null"`
	Job     AnalysisJob    `gorm:"foreignKey:JobID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type FindingCache struct {
	JobID      uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Payload    datatypes.JSON `gorm:"type:jsonb;not null"`
	ComputedAt time.Time      `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Job        AnalysisJob    `gorm:"foreignKey:JobID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (FindingCache) TableName() string { return "finding_cache" }

type Provenance struct {
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

func (Provenance) TableName() string { return "provenance" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Dump{},
		&AnalysisJob{},
		&Artifact{},
		&FindingCache{},
		&Provenance{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if err := m.CreateConstraint(&AnalysisJob{}, "Dump"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&Artifact{}, "Job"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&FindingCache{}, "Job"); err != nil {
		return err
	}

	// One running job per fingerprint, enforced in the database so that
	// multiple service instances cannot double-run an analysis.
	return gormDB.WithContext(ctx).Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS analysis_jobs_one_running
		 ON analysis_jobs (fingerprint) WHERE status = 'running'`).Error
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	for _, stmt := range []string{
		`DROP INDEX IF EXISTS analysis_jobs_one_running`,
		`DROP TABLE IF EXISTS provenance`,
		`DROP TABLE IF EXISTS finding_cache`,
		`DROP TABLE IF EXISTS artifacts`,
		`DROP TABLE IF EXISTS analysis_jobs`,
		`DROP TABLE IF EXISTS dumps`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
