package session

import (
	"time"

	"schoolattend/internal/model"
)

// State is the station's position in a scan cycle.
type State int

const (
	StateIdle State = iota
	StateReady
	StateProcessing
	StateResult
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateProcessing:
		return "processing"
	case StateResult:
		return "result"
	}
	return "idle"
}

// Result is the banner shown after a scan cycle.
type Result struct {
	Success     bool                    `json:"success"`
	Kind        string                  `json:"kind,omitempty"`
	Message     string                  `json:"message"`
	StudentName string                  `json:"student_name,omitempty"`
	EventName   string                  `json:"event_name,omitempty"`
	Record      *model.AttendanceRecord `json:"record,omitempty"`
	At          time.Time               `json:"at"`
}

// Snapshot is a read-only view of the controller for the station UI.
type Snapshot struct {
	State          string                   `json:"state"`
	Events         []model.Event            `json:"events"`
	SelectedEvent  *model.Event             `json:"selected_event,omitempty"`
	Armed          bool                     `json:"armed"`
	Manual         bool                     `json:"manual"`
	DeviceError    string                   `json:"device_error,omitempty"`
	Facing         string                   `json:"facing,omitempty"`
	TorchAvailable bool                     `json:"torch_available"`
	Torch          bool                     `json:"torch"`
	Last           *Result                  `json:"last,omitempty"`
	Recent         []model.AttendanceRecord `json:"recent"`
	TodayCount     int                      `json:"today_count"`
	LoadError      string                   `json:"load_error,omitempty"`
}
