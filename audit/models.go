package audit

import "time"

// AuditRun is one reconciliation pass against a project.
type AuditRun struct {
	ID         string `gorm:"primaryKey;size:36"`
	Project    string `gorm:"index;size:256"`
	Join       string `gorm:"size:32"`
	StartedAt  time.Time
	FinishedAt *time.Time
	RowsRemote int
	RowsLog    int
	Groups     int
	ErrorCount int
	DryRun     bool
	// Status is ok, rejected (shape gate) or error.
	Status    string `gorm:"index;size:16"`
	LastError string `gorm:"type:text"`
}

// DiscrepancyRecord archives one report line. Resolved is flipped by operators
// after remediation and carried over to later runs matching the same
// container and error.
type DiscrepancyRecord struct {
	ID            uint   `gorm:"primaryKey"`
	RunID         string `gorm:"index;size:36"`
	Project       string `gorm:"index;size:256"`
	FlywheelID    string `gorm:"index;size:64"`
	TransferRows  string `gorm:"size:512"`
	ContainerType string `gorm:"size:32"`
	ErrorText     string `gorm:"type:text"`
	Path          string `gorm:"size:1024"`
	Label         string `gorm:"size:256"`
	ValuesJSON    string `gorm:"type:text"`
	Resolved      bool   `gorm:"index"`
	CreatedAt     time.Time
}
