// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package action

import (
	"context"

	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/datastore"
	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/fqid"
	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/perm"
)

type motionCreatePayload struct {
	Title     string `json:"title" validate:"required"`
	MeetingID int    `json:"meeting_id" validate:"required,gt=0"`
	Text      string `json:"text"`
	Reason    string `json:"reason"`
	Number    string `json:"number"`
	StateID   int    `json:"state_id" validate:"omitempty,gt=0"`
}

type motionUpdatePayload struct {
	ID      int     `json:"id" validate:"required,gt=0"`
	Title   *string `json:"title"`
	Text    *string `json:"text"`
	Reason  *string `json:"reason"`
	Number  *string `json:"number"`
	StateID *int    `json:"state_id" validate:"omitempty,gt=0"`
}

type motionDeletePayload struct {
	ID int `json:"id" validate:"required,gt=0"`
}

type motionForwardPayload struct {
	OriginID  int    `json:"origin_id" validate:"required,gt=0"`
	MeetingID int    `json:"meeting_id" validate:"required,gt=0"`
	Title     string `json:"title" validate:"required"`
	Text      string `json:"text"`
}

func registerMotionActions(r *Registry) {
	r.Register(&Definition{
		Name:       "motion.create",
		Collection: "motion",
		Type:       TypePublic,
		Operation:  OpCreate,
		Schema:     func() any { return &motionCreatePayload{} },

		HistoryInformation: "Motion created",

		CheckPermissions: func(ctx context.Context, c *Context, instance Instance) error {
			meetingID := instance.IntOr("meeting_id", 0)
			if err := c.Perms().CheckLockedMeeting(ctx, c.UserID(), meetingID); err != nil {
				return err
			}
			return c.Perms().EnsurePerm(ctx, c.UserID(), perm.MotionCanCreate, meetingID)
		},

		UpdateInstance: func(ctx context.Context, c *Context, instance Instance) (Instance, error) {
			meetingID := instance.IntOr("meeting_id", 0)
			if _, ok := instance.Int("state_id"); !ok {
				stateID, err := defaultMotionState(ctx, c, meetingID)
				if err != nil {
					return nil, err
				}
				instance["state_id"] = stateID
			}
			n, err := nextSequentialNumber(ctx, c, meetingID)
			if err != nil {
				return nil, err
			}
			instance["sequential_number"] = n
			return instance, nil
		},
	})

	r.Register(&Definition{
		Name:       "motion.update",
		Collection: "motion",
		Type:       TypePublic,
		Operation:  OpUpdate,
		Schema:     func() any { return &motionUpdatePayload{} },

		HistoryInformation: "Motion updated",

		ValidateInstance: resolveMotionMeeting,

		CheckPermissions: func(ctx context.Context, c *Context, instance Instance) error {
			meetingID := instance.IntOr("meeting_id", 0)
			if err := c.Perms().CheckLockedMeeting(ctx, c.UserID(), meetingID); err != nil {
				return err
			}
			return c.Perms().EnsurePerm(ctx, c.UserID(), perm.MotionCanManage, meetingID)
		},
	})

	r.Register(&Definition{
		Name:       "motion.delete",
		Collection: "motion",
		Type:       TypePublic,
		Operation:  OpDelete,
		Schema:     func() any { return &motionDeletePayload{} },

		HistoryInformation: "Motion deleted",

		ValidateInstance: resolveMotionMeeting,

		CheckPermissions: func(ctx context.Context, c *Context, instance Instance) error {
			return c.Perms().EnsurePerm(ctx, c.UserID(), perm.MotionCanManage, instance.IntOr("meeting_id", 0))
		},
	})

	r.Register(&Definition{
		Name:       "motion.create_forwarded",
		Collection: "motion",
		Type:       TypePublic,
		Operation:  OpCreate,
		Schema:     func() any { return &motionForwardPayload{} },

		HistoryInformation: "Motion created (forwarded)",

		ValidateInstance: checkForwardingWhitelist,

		CheckPermissions: func(ctx context.Context, c *Context, instance Instance) error {
			originMeetingID, err := motionMeetingID(ctx, c, instance.IntOr("origin_id", 0))
			if err != nil {
				return err
			}
			return c.Perms().EnsurePerm(ctx, c.UserID(), perm.MotionCanForward, originMeetingID)
		},

		UpdateInstance: func(ctx context.Context, c *Context, instance Instance) (Instance, error) {
			meetingID := instance.IntOr("meeting_id", 0)
			origin, err := c.DB().Get(ctx, fqid.New("motion", instance.IntOr("origin_id", 0)),
				[]string{"all_origin_ids"}, datastore.GetOpts{Lock: true})
			if err != nil {
				return nil, err
			}

			stateID, err := defaultMotionState(ctx, c, meetingID)
			if err != nil {
				return nil, err
			}
			instance["state_id"] = stateID

			n, err := nextSequentialNumber(ctx, c, meetingID)
			if err != nil {
				return nil, err
			}
			instance["sequential_number"] = n

			// The transitive origin chain of the new derivative is the
			// origin's chain plus the origin itself.
			chain := origin.IntList("all_origin_ids")
			chain = append(chain, instance.IntOr("origin_id", 0))
			all := make([]any, 0, len(chain))
			for _, id := range chain {
				all = append(all, id)
			}
			instance["all_origin_ids"] = all
			return instance, nil
		},
	})
}

// resolveMotionMeeting folds the motion's meeting into the instance so
// the archived-meeting guard and the permission stage see it.
func resolveMotionMeeting(ctx context.Context, c *Context, instance Instance) error {
	meetingID, err := motionMeetingID(ctx, c, instance.IntOr("id", 0))
	if err != nil {
		return err
	}
	instance["meeting_id"] = meetingID
	return nil
}

// motionMeetingID resolves the meeting a motion belongs to. It reads
// through the event buffer so a motion created earlier in the same
// transaction resolves too.
func motionMeetingID(ctx context.Context, c *Context, motionID int) (int, error) {
	f := fqid.New("motion", motionID)
	motion, err := c.LatestModel(ctx, f)
	if err != nil {
		return 0, err
	}
	if motion == nil {
		return 0, datastore.DoesNotExist(f)
	}
	return motion.IntOr("meeting_id", 0), nil
}

// defaultMotionState picks the state a fresh motion enters: the meeting's
// configured default, or the lowest-id state of the meeting.
func defaultMotionState(ctx context.Context, c *Context, meetingID int) (int, error) {
	meeting, err := c.DB().Get(ctx, fqid.New("meeting", meetingID),
		[]string{"motions_default_state_id", "motion_state_ids"}, datastore.GetOpts{})
	if err != nil {
		return 0, err
	}
	if stateID, ok := meeting.Int("motions_default_state_id"); ok && stateID > 0 {
		return stateID, nil
	}
	best := 0
	for _, stateID := range meeting.IntList("motion_state_ids") {
		if best == 0 || stateID < best {
			best = stateID
		}
	}
	if best == 0 {
		return 0, Errorf("No motion state found in meeting %d", meetingID)
	}
	return best, nil
}

// nextSequentialNumber derives the per-meeting motion counter from the
// current maximum. Motions created earlier in the same transaction are
// only in the event buffer, so the buffer counts toward the maximum too.
func nextSequentialNumber(ctx context.Context, c *Context, meetingID int) (int, error) {
	// The counter is only unique if concurrent creates in the same
	// meeting conflict at write time. Reading the meeting with a lock
	// pins its position; the later writer is rejected because the
	// back-reference update advances the meeting.
	if _, err := c.DB().Get(ctx, fqid.New("meeting", meetingID),
		[]string{"id"}, datastore.GetOpts{Lock: true}); err != nil {
		return 0, err
	}
	motions, err := c.DB().Filter(ctx, "motion",
		datastore.FilterOperator{Field: "meeting_id", Op: datastore.OpEqual, Value: meetingID},
		[]string{"sequential_number"})
	if err != nil {
		return 0, err
	}
	max := 0
	for _, m := range motions {
		if n := m.IntOr("sequential_number", 0); n > max {
			max = n
		}
	}
	for _, e := range c.Events() {
		if e.Kind != datastore.EventCreate || e.FQID.Collection != "motion" {
			continue
		}
		pending := datastore.Model(e.Fields)
		if pending.IntOr("meeting_id", 0) != meetingID {
			continue
		}
		if n := pending.IntOr("sequential_number", 0); n > max {
			max = n
		}
	}
	return max + 1, nil
}

// checkForwardingWhitelist verifies the origin committee forwards to the
// target committee.
func checkForwardingWhitelist(ctx context.Context, c *Context, instance Instance) error {
	originMeetingID, err := motionMeetingID(ctx, c, instance.IntOr("origin_id", 0))
	if err != nil {
		return err
	}
	originMeeting, err := c.DB().Get(ctx, fqid.New("meeting", originMeetingID),
		[]string{"committee_id"}, datastore.GetOpts{})
	if err != nil {
		return err
	}
	targetMeeting, err := c.DB().Get(ctx, fqid.New("meeting", instance.IntOr("meeting_id", 0)),
		[]string{"committee_id"}, datastore.GetOpts{})
	if err != nil {
		return err
	}
	targetCommitteeID := targetMeeting.IntOr("committee_id", 0)

	originCommittee, err := c.DB().Get(ctx, fqid.New("committee", originMeeting.IntOr("committee_id", 0)),
		[]string{"forward_to_committee_ids"}, datastore.GetOpts{})
	if err != nil {
		return err
	}
	whitelist := originCommittee.IntList("forward_to_committee_ids")
	for _, id := range whitelist {
		if id == targetCommitteeID {
			return nil
		}
	}
	return Errorf("Committee id %d not in %v", targetCommitteeID, whitelist)
}
