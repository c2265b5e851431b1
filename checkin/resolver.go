package checkin

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/gracesoft/congregate_backend/models"
	"bitbucket.org/gracesoft/congregate_backend/utils"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ResolveBatch classifies every item in a batch as new or duplicate, applies
// the conflict policy, and produces per-item results in submitted order plus
// an aggregate summary.
//
// The authorization pre-flight is all-or-nothing: an item referencing a
// service that belongs to another church fails the whole batch before any
// mutation. A service id that exists nowhere is not an authorization problem;
// it fails only its own item. After the pre-flight, items are independent;
// one item's failure never aborts its siblings.
func ResolveBatch(ctx context.Context, store Store, caller Caller, items []BulkItem, policy ConflictPolicy) (*BatchResult, error) {
	if len(items) == 0 {
		return nil, &BatchError{Code: ErrCodeValidation, Message: "empty batch"}
	}
	if len(items) > MaxBatchSize {
		return nil, &BatchError{Code: ErrCodeValidation, Message: fmt.Sprintf("batch exceeds %d items", MaxBatchSize)}
	}
	if policy == "" {
		policy = PolicyLastWriteWins
	}
	if !policy.Valid() {
		return nil, &BatchError{Code: ErrCodeValidation, Message: "unknown conflict policy: " + string(policy)}
	}

	// Pre-flight: an item referencing another church's service fails the
	// batch whole; partial cross-tenant authorization is not a thing. A
	// service that exists nowhere only fails its own item.
	serviceIds := make([]int, 0, len(items))
	for _, it := range items {
		if it.ServiceId > 0 {
			serviceIds = append(serviceIds, it.ServiceId)
		}
	}
	foreign, missing, err := store.ClassifyServices(ctx, caller.ChurchId, utils.UniqueSlice(serviceIds))
	if err != nil {
		return nil, err
	}
	if len(foreign) > 0 {
		return nil, &BatchError{
			Code:    ErrCodeAuthorization,
			Message: fmt.Sprintf("services not accessible: %v", foreign),
		}
	}
	missingSet := make(map[int]bool, len(missing))
	for _, id := range missing {
		missingSet[id] = true
	}

	result := &BatchResult{
		Results:   make([]ItemResult, 0, len(items)),
		Timestamp: time.Now().UTC(),
	}
	touched := make(map[int]bool)

	for i, item := range items {
		var res ItemResult
		if missingSet[item.ServiceId] {
			res = ItemResult{
				Id:    item.CorrelationId(i),
				Error: fmt.Sprintf("service %d does not exist", item.ServiceId),
				Code:  ErrCodeValidation,
			}
		} else {
			res = resolveItem(ctx, store, caller, item, i, policy)
		}
		if res.Success {
			touched[item.ServiceId] = true
		}
		result.Results = append(result.Results, res)
	}

	for id := range touched {
		result.TouchedServices = append(result.TouchedServices, id)
	}

	result.Summary.Total = len(result.Results)
	for _, r := range result.Results {
		switch {
		case r.Success:
			result.Summary.Successful++
		case r.ConflictType != "":
			result.Summary.Conflicts++
		default:
			result.Summary.Failed++
		}
	}
	return result, nil
}

func resolveItem(ctx context.Context, store Store, caller Caller, item BulkItem, index int, policy ConflictPolicy) ItemResult {
	corrId := item.CorrelationId(index)

	if err := validate.Struct(item); err != nil {
		return ItemResult{Id: corrId, Error: err.Error(), Code: ErrCodeValidation}
	}

	targetUser := item.UserId
	if targetUser == 0 {
		targetUser = caller.UserId
	}
	// Checking in someone else requires at least leader privileges.
	if targetUser != caller.UserId && !models.RoleAtLeast(models.UserRole(caller.Role), models.UserRoleLeader) {
		return ItemResult{Id: corrId, Error: "not allowed to check in another member", Code: ErrCodeAuthorization}
	}

	existing, err := store.FindActive(ctx, targetUser, item.ServiceId)
	if err != nil {
		return ItemResult{Id: corrId, Error: err.Error(), Code: ErrCodeTransient}
	}

	if existing == nil {
		rec := &models.CheckInRecord{
			ChurchId:    caller.ChurchId,
			UserId:      targetUser,
			ServiceId:   item.ServiceId,
			CheckInTime: item.CheckInTime.UTC(),
			ClientId:    &corrId,
		}
		err := store.Create(ctx, rec)
		if err == nil {
			return ItemResult{Success: true, Id: corrId, ServerId: rec.ID, Action: "created"}
		}
		if err != ErrDuplicateRecord {
			return ItemResult{Id: corrId, Error: err.Error(), Code: ErrCodeTransient}
		}
		// A concurrent batch created the record between lookup and insert.
		// Re-read and fall through to conflict handling; the unique
		// constraint keeps (user, service) at one row either way.
		existing, err = store.FindActive(ctx, targetUser, item.ServiceId)
		if err != nil || existing == nil {
			return ItemResult{Id: corrId, Error: "conflicting write in flight", Code: ErrCodeTransient}
		}
	}

	if policy == PolicyFailOnConflict {
		return ItemResult{
			Id:           corrId,
			ServerId:     existing.ID,
			ConflictType: "duplicate",
			Error:        "already checked in",
			Code:         ErrCodeConflict,
		}
	}

	// last-write-wins: the submission's time replaces the stored one.
	updated := *existing
	updated.CheckInTime = item.CheckInTime.UTC()
	updated.ClientId = &corrId
	if err := store.UpdateCheckInTime(ctx, existing.ID, updated); err != nil {
		return ItemResult{Id: corrId, Error: err.Error(), Code: ErrCodeTransient}
	}
	return ItemResult{Success: true, Id: corrId, ServerId: existing.ID, Action: "updated"}
}

// ComputeAttendance recomputes the derived counters for each service. Callers
// treat the numbers as advisory; the CheckInRecord set stays authoritative.
func ComputeAttendance(ctx context.Context, store Store, serviceIds []int) ([]ServiceAttendance, error) {
	out := make([]ServiceAttendance, 0, len(serviceIds))
	for _, id := range serviceIds {
		total, unique, err := store.CountForService(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, ServiceAttendance{ServiceId: id, TotalCheckins: total, UniqueAttendees: unique})
	}
	return out, nil
}
