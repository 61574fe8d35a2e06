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

type Machine struct {
	MachineID       string    `gorm:"column:machine_id;type:text;primaryKey"`
	FirstSeenAt     time.Time `gorm:"column:first_seen_at;type:timestamptz;not null"`
	LastSeenAt      time.Time `gorm:"column:last_seen_at;type:timestamptz;not null"`
	TotalEventCount int64     `gorm:"column:total_event_count;type:bigint;not null;default:0"`
}

type ComponentInstance struct {
	ComponentInstanceID string    `gorm:"column:component_instance_id;type:text;primaryKey"`
	MachineID           string    `gorm:"column:machine_id;type:text;not null;index"`
	Component           string    `gorm:"column:component;type:text;not null"`
	FirstSeenAt         time.Time `gorm:"column:first_seen_at;type:timestamptz;not null"`
	LastSeenAt          time.Time `gorm:"column:last_seen_at;type:timestamptz;not null"`
	LastSequence        int64     `gorm:"column:last_sequence;type:bigint;not null"`
	TotalEventCount     int64     `gorm:"column:total_event_count;type:bigint;not null;default:0"`
	LastHashSHA256      string    `gorm:"column:last_hash_sha256;type:char(64);not null"`
	Machine             Machine   `gorm:"foreignKey:MachineID;references:MachineID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type RawEvent struct {
	EventID               uuid.UUID         `gorm:"column:event_id;type:uuid;primaryKey"`
	MachineID             string            `gorm:"column:machine_id;type:text;not null;index"`
	ComponentInstanceID   string            `gorm:"column:component_instance_id;type:text;not null;uniqueIndex:idx_raw_events_instance_sequence"`
	Component             string            `gorm:"column:component;type:text;not null"`
	ObservedAt            time.Time         `gorm:"column:observed_at;type:timestamptz;not null"`
	IngestedAt            time.Time         `gorm:"column:ingested_at;type:timestamptz;not null;index"`
	Sequence              int64             `gorm:"column:sequence;type:bigint;not null;uniqueIndex:idx_raw_events_instance_sequence"`
	Payload               datatypes.JSONMap `gorm:"column:payload;type:jsonb;not null"`
	Hostname              string            `gorm:"column:hostname;type:text;not null"`
	BootID                string            `gorm:"column:boot_id;type:text;not null"`
	AgentVersion          string            `gorm:"column:agent_version;type:text;not null"`
	HashSHA256            string            `gorm:"column:hash_sha256;type:char(64);not null;uniqueIndex"`
	PrevHashSHA256        *string           `gorm:"column:prev_hash_sha256;type:char(64)"`
	ValidationStatus      string            `gorm:"column:validation_status;type:text;not null"`
	LateArrival           bool              `gorm:"column:late_arrival;not null;default:false"`
	ArrivalLatencySeconds *int64            `gorm:"column:arrival_latency_seconds;type:bigint"`
	ComponentInstance     ComponentInstance `gorm:"foreignKey:ComponentInstanceID;references:ComponentInstanceID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

type EventValidationLog struct {
	ID                  int64             `gorm:"column:id;type:bigserial;primaryKey"`
	EventID             *string           `gorm:"column:event_id;type:text;index"`
	ValidationStatus    string            `gorm:"column:validation_status;type:text;not null"`
	ValidationTimestamp time.Time         `gorm:"column:validation_timestamp;type:timestamptz;not null;default:now()"`
	ErrorCode           *string           `gorm:"column:error_code;type:text"`
	ErrorMessage        *string           `gorm:"column:error_message;type:text"`
	ValidationDetails   datatypes.JSONMap `gorm:"column:validation_details;type:jsonb"`
}

func (EventValidationLog) TableName() string { return "event_validation_log" }

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Machine{},
		&ComponentInstance{},
		&RawEvent{},
		&EventValidationLog{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if !m.HasConstraint(&ComponentInstance{}, "Machine") {
		if err := m.CreateConstraint(&ComponentInstance{}, "Machine"); err != nil {
			return err
		}
	}
	if !m.HasConstraint(&RawEvent{}, "ComponentInstance") {
		if err := m.CreateConstraint(&RawEvent{}, "ComponentInstance"); err != nil {
			return err
		}
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&EventValidationLog{},
		&RawEvent{},
		&ComponentInstance{},
		&Machine{},
	)
}
