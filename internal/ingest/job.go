// Package ingest implements the concurrent consumer side of the telemetry
// pipeline: a durable FIFO job queue, a pool of workers that turn queued
// device jobs into committed hashed records with retry and dead-letter
// semantics, and a periodic monitor.
package ingest

import (
	"errors"
	"fmt"
	"time"
)

// ErrValidation indicates a malformed or incomplete job payload. Such jobs
// are dropped without retry; retrying an unfixable input wastes capacity.
var ErrValidation = errors.New("ingest: invalid job")

// ReadingKind is the closed set of recognized device reading kinds.
// Payloads are validated against this set at the queue boundary instead of
// threading open-ended untyped maps through the pipeline.
type ReadingKind string

const (
	ReadingVitalSigns ReadingKind = "vital-signs"
	ReadingInfusion   ReadingKind = "infusion"
	ReadingVentilator ReadingKind = "ventilator"
	ReadingLabResult  ReadingKind = "lab-result"
)

// resourceTypes maps each reading kind to the clinical resource type its
// records are committed under.
var resourceTypes = map[ReadingKind]string{
	ReadingVitalSigns: "Observation",
	ReadingInfusion:   "MedicationAdministration",
	ReadingVentilator: "Observation",
	ReadingLabResult:  "DiagnosticReport",
}

// requiredFields lists the payload fields each reading kind must carry.
var requiredFields = map[ReadingKind][]string{
	ReadingVitalSigns: {"hr"},
	ReadingInfusion:   {"medication", "rate"},
	ReadingVentilator: {"mode", "fio2"},
	ReadingLabResult:  {"test", "value"},
}

// IngestionJob is the normalized unit of work handed to the pool by a
// producer. Payload is already free of device wire format.
type IngestionJob struct {
	ID         string         `json:"id"`
	DeviceID   string         `json:"deviceId"`
	PatientRef string         `json:"patientRef"`
	Kind       ReadingKind    `json:"kind"`
	RecordID   string         `json:"recordId,omitempty"`
	Payload    map[string]any `json:"payload"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
	RetryCount int            `json:"retryCount"`
}

// ResourceType returns the clinical resource type for the job's reading
// kind, or empty when the kind is not recognized.
func (j *IngestionJob) ResourceType() string {
	return resourceTypes[j.Kind]
}

// Validate checks the job against the closed reading-kind set and its
// required payload fields. Performed at the queue boundary.
func (j *IngestionJob) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: missing job id", ErrValidation)
	}
	if j.DeviceID == "" {
		return fmt.Errorf("%w: job %s missing device id", ErrValidation, j.ID)
	}
	fields, ok := requiredFields[j.Kind]
	if !ok {
		return fmt.Errorf("%w: job %s has unrecognized reading kind %q", ErrValidation, j.ID, j.Kind)
	}
	if j.Payload == nil {
		return fmt.Errorf("%w: job %s has no payload", ErrValidation, j.ID)
	}
	for _, f := range fields {
		if _, present := j.Payload[f]; !present {
			return fmt.Errorf("%w: job %s (%s) missing payload field %q", ErrValidation, j.ID, j.Kind, f)
		}
	}
	return nil
}
