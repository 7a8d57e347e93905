package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

// RequestAppointmentSchema defines the JSON schema for request_appointment parameters.
const RequestAppointmentSchema = `{
  "type": "object",
  "properties": {
    "reason": {
      "type": "string",
      "minLength": 1,
      "description": "Why the patient needs to be seen"
    },
    "urgency": {
      "type": "string",
      "enum": ["low", "normal", "urgent"]
    },
    "department": {
      "type": "string",
      "default": "General Practice"
    }
  },
  "required": ["reason", "urgency"],
  "additionalProperties": false
}`

// ErrNoHospital is returned when the patient is not linked to any hospital.
var ErrNoHospital = errors.New("patient is not linked to a hospital")

// RequestAppointmentArgs are the parameters of request_appointment.
type RequestAppointmentArgs struct {
	Reason     string `json:"reason"`
	Urgency    string `json:"urgency"`
	Department string `json:"department,omitempty"`
}

// AppointmentResult is returned to the model and the user.
type AppointmentResult struct {
	Appointment ports.AppointmentRequest `json:"appointment"`
	Message     string                   `json:"message"`
}

// RequestAppointmentTool files a pending appointment request with the patient's hospital.
// Scheduling a time slot is left to clinicians.
type RequestAppointmentTool struct {
	records ports.RecordStore
}

// NewRequestAppointmentTool creates the tool over a record store.
func NewRequestAppointmentTool(records ports.RecordStore) *RequestAppointmentTool {
	return &RequestAppointmentTool{records: records}
}

// Spec describes the tool to the model.
func (t *RequestAppointmentTool) Spec() ports.ToolSpec {
	return ports.ToolSpec{
		Name:        ports.ToolRequestAppointment,
		Description: "Request an appointment at the patient's linked hospital. Use when symptoms need a clinician, and always for urgent symptoms.",
		Parameters: `- reason (required): why the patient needs to be seen
- urgency (required): "low", "normal" or "urgent"
- department (optional): defaults to "General Practice"`,
		JSONSchema: []byte(RequestAppointmentSchema),
	}
}

// Invoke creates the request once per invocation ID.
func (t *RequestAppointmentTool) Invoke(ctx context.Context, req ports.ToolRequest) (any, error) {
	var args RequestAppointmentArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if req.Facts == nil || req.Facts.PatientID == "" {
		return nil, ErrNoPatient
	}
	if req.Facts.HospitalID == "" {
		return nil, ErrNoHospital
	}

	department := strings.TrimSpace(args.Department)
	if department == "" {
		department = ports.DefaultAppointmentDepartment
	}

	appt, err := t.records.CreateAppointmentRequest(ctx, ports.AppointmentWrite{
		InvocationID: req.InvocationID,
		PatientID:    req.Facts.PatientID,
		HospitalID:   req.Facts.HospitalID,
		Department:   department,
		Reason:       strings.TrimSpace(args.Reason),
		Urgency:      args.Urgency,
	})
	if err != nil {
		return nil, err
	}

	return AppointmentResult{
		Appointment: appt,
		Message:     "Appointment request submitted. The hospital will confirm a time.",
	}, nil
}

var _ ports.Tool = (*RequestAppointmentTool)(nil)
