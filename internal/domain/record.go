package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DeployRecord is one line of the append-only deploy history. One record
// is written per deploy attempt regardless of outcome; records are never
// mutated or deleted.
type DeployRecord struct {
	Timestamp   time.Time
	Application string
	Nickname    string
	Server      string
	Version     int
	User        string
	AttemptID   string
	Success     bool
}

const recordFields = 8

// Line renders the record in the tab-separated history format.
func (r DeployRecord) Line() string {
	outcome := "FAILURE"
	if r.Success {
		outcome = "SUCCESS"
	}
	return strings.Join([]string{
		r.Timestamp.UTC().Format(time.RFC3339),
		r.Application,
		r.Nickname,
		r.Server,
		strconv.Itoa(r.Version),
		r.User,
		r.AttemptID,
		outcome,
	}, "\t")
}

// ParseRecord parses one history line back into a DeployRecord.
func ParseRecord(line string) (DeployRecord, error) {
	parts := strings.Split(strings.TrimRight(line, "\r\n"), "\t")
	if len(parts) != recordFields {
		return DeployRecord{}, fmt.Errorf("history line has %d fields, want %d", len(parts), recordFields)
	}
	ts, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return DeployRecord{}, fmt.Errorf("history timestamp: %w", err)
	}
	version, err := strconv.Atoi(parts[4])
	if err != nil {
		return DeployRecord{}, fmt.Errorf("history version: %w", err)
	}
	return DeployRecord{
		Timestamp:   ts,
		Application: parts[1],
		Nickname:    parts[2],
		Server:      parts[3],
		Version:     version,
		User:        parts[5],
		AttemptID:   parts[6],
		Success:     parts[7] == "SUCCESS",
	}, nil
}
