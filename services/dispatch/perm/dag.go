// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package perm

import "fmt"

// Permission is one named meeting permission, e.g. "motion.can_manage".
type Permission string

// The meeting permission catalog. Stronger permissions imply weaker ones
// through the DAG below.
const (
	AgendaItemCanSee    Permission = "agenda_item.can_see"
	AgendaItemCanManage Permission = "agenda_item.can_manage"

	ListOfSpeakersCanSee    Permission = "list_of_speakers.can_see"
	ListOfSpeakersCanManage Permission = "list_of_speakers.can_manage"

	MediafileCanSee    Permission = "mediafile.can_see"
	MediafileCanManage Permission = "mediafile.can_manage"

	MeetingCanManageSettings Permission = "meeting.can_manage_settings"
	MeetingCanSeeFrontpage   Permission = "meeting.can_see_frontpage"

	MotionCanSee     Permission = "motion.can_see"
	MotionCanCreate  Permission = "motion.can_create"
	MotionCanForward Permission = "motion.can_forward"
	MotionCanManage  Permission = "motion.can_manage"
	MotionCanSupport Permission = "motion.can_support"

	UserCanSee    Permission = "user.can_see"
	UserCanManage Permission = "user.can_manage"
)

// implications lists the direct parent edges of the DAG: each permission
// maps to the weaker permissions it implies.
var implications = map[Permission][]Permission{
	AgendaItemCanManage:     {AgendaItemCanSee},
	ListOfSpeakersCanManage: {ListOfSpeakersCanSee},
	MediafileCanManage:      {MediafileCanSee},
	MotionCanCreate:         {MotionCanSee},
	MotionCanForward:        {MotionCanSee},
	MotionCanSupport:        {MotionCanSee},
	MotionCanManage:         {MotionCanCreate, MotionCanForward, MotionCanSupport},
	UserCanManage:           {UserCanSee},
}

// closure maps each permission onto the set of permissions it implies,
// itself included. Built once at package load.
var closure map[Permission]map[Permission]bool

func init() {
	var err error
	closure, err = buildClosure(implications)
	if err != nil {
		panic(err)
	}
}

// buildClosure computes the reflexive-transitive implication sets with a
// breadth-first walk per permission and rejects cyclic declarations.
func buildClosure(edges map[Permission][]Permission) (map[Permission]map[Permission]bool, error) {
	all := map[Permission]bool{}
	for p, targets := range edges {
		all[p] = true
		for _, t := range targets {
			all[t] = true
		}
	}

	out := make(map[Permission]map[Permission]bool, len(all))
	for p := range all {
		seen := map[Permission]bool{p: true}
		queue := []Permission{p}
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			for _, next := range edges[current] {
				if next == p {
					return nil, fmt.Errorf("permission DAG contains a cycle through %q", p)
				}
				if !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
		}
		out[p] = seen
	}
	return out, nil
}

// Implies reports whether holding p grants weaker. The relation is
// reflexive and transitive down the DAG.
func (p Permission) Implies(weaker Permission) bool {
	set, ok := closure[p]
	if !ok {
		return p == weaker
	}
	return set[weaker]
}

// Known reports whether p is part of the catalog.
func (p Permission) Known() bool {
	_, ok := closure[p]
	return ok
}
