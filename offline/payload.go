// Package offline is the mobile client's sync core: a crash-safe local queue
// of user intents and a dispatcher that replays them against the bulk
// endpoint once connectivity returns. Nothing in here talks to the server
// except the dispatcher's HTTP client, and nothing is ever dropped without a
// server verdict or an explicit terminal failure.
package offline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

type ActionType string

const (
	ActionCheckIn      ActionType = "CHECKIN"
	ActionRSVP         ActionType = "RSVP"
	ActionGroupRequest ActionType = "GROUP_REQUEST"
	ActionPathwayStep  ActionType = "PATHWAY_STEP"
)

func (t ActionType) Valid() bool {
	switch t {
	case ActionCheckIn, ActionRSVP, ActionGroupRequest, ActionPathwayStep:
		return true
	}
	return false
}

var validate = validator.New()

// One payload shape per action type. The queue stores them as opaque JSON;
// decoding and validation happen at dequeue time, before anything goes on
// the wire.

type CheckInPayload struct {
	ServiceId   int       `json:"serviceId" validate:"required,gt=0"`
	CheckInTime time.Time `json:"checkinTime" validate:"required"`
	// TargetUserId lets a leader queue a check-in for someone else.
	TargetUserId int `json:"targetUserId,omitempty"`
	// OfflineId overrides the default correlation token (the local queue id).
	OfflineId string `json:"offlineId,omitempty"`
}

type RSVPPayload struct {
	EventId  int    `json:"eventId" validate:"required,gt=0"`
	Response string `json:"response" validate:"required,oneof=yes no maybe"`
}

type GroupRequestPayload struct {
	GroupId int    `json:"groupId" validate:"required,gt=0"`
	Note    string `json:"note,omitempty"`
}

type PathwayStepPayload struct {
	PathwayId   int       `json:"pathwayId" validate:"required,gt=0"`
	StepId      int       `json:"stepId" validate:"required,gt=0"`
	CompletedAt time.Time `json:"completedAt" validate:"required"`
}

// DecodePayload is the tagged-union decoder: raw bytes plus the action type
// yield exactly one validated payload shape.
func DecodePayload(t ActionType, raw []byte) (interface{}, error) {
	var payload interface{}
	switch t {
	case ActionCheckIn:
		payload = &CheckInPayload{}
	case ActionRSVP:
		payload = &RSVPPayload{}
	case ActionGroupRequest:
		payload = &GroupRequestPayload{}
	case ActionPathwayStep:
		payload = &PathwayStepPayload{}
	default:
		return nil, fmt.Errorf("unknown action type: %s", t)
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("malformed %s payload: %w", t, err)
	}
	if err := validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", t, err)
	}
	return payload, nil
}
