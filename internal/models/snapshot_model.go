// Package models contains the models for the CBOE snapshots collector
package models

import (
	"fmt"
	"strings"
	"time"
)

// SnapshotsTableName is the name of the table for option snapshots
var SnapshotsTableName = "t_options_cboe_snapshot"

// CallPut is the option side as published by the source feed
type CallPut string

const (
	CallPutCall CallPut = "CALL"
	CallPutPut  CallPut = "PUT"
)

// Validate checks that the side is one of the two known values
func (cp CallPut) Validate() error {
	switch cp {
	case CallPutCall, CallPutPut:
		return nil
	default:
		return fmt.Errorf("invalid call_put value: %s", string(cp))
	}
}

// NormalizeCallPut maps the source side codes to CALL/PUT.
// Unrecognized values pass through upper-cased so the row is kept.
func NormalizeCallPut(raw string) CallPut {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "C", "CALL":
		return CallPutCall
	case "P", "PUT":
		return CallPutPut
	default:
		return CallPut(strings.ToUpper(strings.TrimSpace(raw)))
	}
}

// OptionSnapshotModel represents one observation of an option contract at one
// source publication instant. A contract republished with a newer
// last_updated_time is a new row; the same key is updated in place.
type OptionSnapshotModel struct {
	ID              int64     `gorm:"not null;autoIncrement" json:"id"`
	Symbol          string    `gorm:"type:text;primaryKey;index:idx_options_symbol" json:"symbol"`
	CallPut         CallPut   `gorm:"type:text;primaryKey" json:"call_put"`
	Expiration      string    `gorm:"type:text;primaryKey;index:idx_options_expiration" json:"expiration"`
	StrikePrice     float64   `gorm:"type:double precision;primaryKey" json:"strike_price"`
	Volume          int64     `gorm:"type:bigint;not null" json:"volume"`
	Matched         int64     `gorm:"type:bigint;not null" json:"matched"`
	Routed          int64     `gorm:"type:bigint;not null" json:"routed"`
	BidSize         int64     `gorm:"type:bigint;not null" json:"bid_size"`
	BidPrice        float64   `gorm:"type:double precision;not null" json:"bid_price"`
	AskSize         int64     `gorm:"type:bigint;not null" json:"ask_size"`
	AskPrice        float64   `gorm:"type:double precision;not null" json:"ask_price"`
	LastPrice       float64   `gorm:"type:double precision;not null" json:"last_price"`
	LastUpdatedTime time.Time `gorm:"type:timestamp;primaryKey;index:idx_options_last_updated" json:"last_updated_time"`
	EtlInDt         time.Time `gorm:"type:timestamp;not null" json:"etl_in_dt"`
}

// TableName specifies the table name for the OptionSnapshot model
func (OptionSnapshotModel) TableName() string {
	return SnapshotsTableName
}
