package monitoring

import (
	"fmt"
	"slices"
	"strings"
	"time"

	activity "activitylog/internal/activity/models"
	platformstrings "activitylog/pkg/platform/strings"
)

const (
	loginWindow         = time.Hour
	suspiciousMinLogins = 3
	suspiciousMinSpread = 3

	editWindow        = time.Hour
	editFlagAbove     = 3
	editHighAbove     = 5
	statusForbidden   = 403
	statusFailed      = "failed"
	userStatusDormant = "inactive"
)

var (
	deniedPhrases    = []string{"unauthorized", "forbidden", "access denied"}
	sensitiveTargets = []string{"payroll", "salary", "financial", "bank", "payment"}
)

// Every heuristic receives decrypted events in any order and must not
// mutate the slice.

func failed(c activity.Context) bool {
	return strings.EqualFold(c.Status, statusFailed) || (c.Success != nil && !*c.Success)
}

func chronological(events []activity.Event) []activity.Event {
	out := slices.Clone(events)
	slices.SortStableFunc(out, func(a, b activity.Event) int { return a.Timestamp.Compare(b.Timestamp) })
	return out
}

func failedLogins(events []activity.Event) []FailedLogin {
	type key struct{ username, ip string }
	groups := make(map[key]*FailedLogin)
	var order []key
	for _, e := range events {
		if e.Verb != activity.VerbLogin {
			continue
		}
		if e.Actor.ID != nil && !failed(e.Context) {
			continue
		}
		k := key{username: loginName(e), ip: e.Context.IP.String()}
		g, ok := groups[k]
		if !ok {
			g = &FailedLogin{Username: k.username, IP: k.ip}
			groups[k] = g
			order = append(order, k)
		}
		g.Count++
		if e.Timestamp.After(g.LastSeen) {
			g.LastSeen = e.Timestamp
			g.Device = deviceLabel(e.Context)
		}
	}
	out := make([]FailedLogin, 0, len(order))
	for _, k := range order {
		out = append(out, *groups[k])
	}
	slices.SortStableFunc(out, func(a, b FailedLogin) int {
		if a.Count != b.Count {
			return b.Count - a.Count
		}
		return b.LastSeen.Compare(a.LastSeen)
	})
	return out
}

func loginName(e activity.Event) string {
	switch {
	case !e.Context.Username.IsZero():
		return e.Context.Username.String()
	case !e.Context.Email.IsZero():
		return e.Context.Email.String()
	default:
		return e.Actor.IDOrEmpty()
	}
}

func suspiciousLogins(events []activity.Event) []SuspiciousLogin {
	byActor := make(map[string][]activity.Event)
	var actors []string
	for _, e := range chronological(events) {
		if e.Verb != activity.VerbLogin || e.Actor.ID == nil {
			continue
		}
		id := *e.Actor.ID
		if _, ok := byActor[id]; !ok {
			actors = append(actors, id)
		}
		byActor[id] = append(byActor[id], e)
	}

	out := []SuspiciousLogin{}
	for _, actor := range actors {
		logins := byActor[actor]
		if len(logins) < suspiciousMinLogins {
			continue
		}
		for i := range logins {
			end := i
			for end+1 < len(logins) && logins[end+1].Timestamp.Sub(logins[i].Timestamp) <= loginWindow {
				end++
			}
			window := logins[i : end+1]
			if len(window) < suspiciousMinLogins {
				continue
			}
			ips := distinct(window, func(e activity.Event) string { return e.Context.IP.String() })
			locations := distinct(window, func(e activity.Event) string { return e.Context.Location.String() })
			if len(ips) < suspiciousMinSpread && len(locations) < suspiciousMinSpread {
				continue
			}
			out = append(out, SuspiciousLogin{
				ActorID:         actor,
				LoginCount:      len(window),
				UniqueIPs:       ips,
				UniqueLocations: locations,
				Devices:         distinct(window, func(e activity.Event) string { return deviceLabel(e.Context) }),
				WindowStart:     window[0].Timestamp,
				WindowEnd:       window[len(window)-1].Timestamp,
			})
			break
		}
	}
	return out
}

func distinct(events []activity.Event, field func(activity.Event) string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, e := range events {
		v := field(e)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func unauthorizedAccess(events []activity.Event) []UnauthorizedAccess {
	out := []UnauthorizedAccess{}
	for _, e := range events {
		reason := deniedReason(e)
		if reason == "" {
			continue
		}
		out = append(out, UnauthorizedAccess{
			EventID:   e.ID,
			Timestamp: e.Timestamp,
			ActorID:   e.Actor.IDOrEmpty(),
			Verb:      e.Verb,
			Target:    e.Target,
			IP:        e.Context.IP.String(),
			Device:    deviceLabel(e.Context),
			Reason:    reason,
		})
	}
	slices.SortStableFunc(out, func(a, b UnauthorizedAccess) int { return b.Timestamp.Compare(a.Timestamp) })
	return out
}

func deniedReason(e activity.Event) string {
	c := e.Context
	switch {
	case c.StatusCode != nil && *c.StatusCode == statusForbidden:
		return "status code 403"
	case platformstrings.ContainsAnyFold(c.Error, deniedPhrases...):
		return "error: " + platformstrings.Truncate(c.Error, 200)
	case e.Verb == activity.VerbExport && failed(c):
		return "failed export"
	}
	return ""
}

func highRiskEdits(events []activity.Event) []HighRiskEdit {
	type key struct{ actor, targetType, targetID string }
	groups := make(map[key][]activity.Event)
	var order []key
	for _, e := range chronological(events) {
		if e.Verb != activity.VerbUpdate && e.Verb != activity.VerbDelete {
			continue
		}
		if !platformstrings.ContainsAnyFold(e.Target.Type, sensitiveTargets...) {
			continue
		}
		k := key{actor: e.Actor.IDOrEmpty(), targetType: e.Target.Type, targetID: e.Target.ID}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}

	out := []HighRiskEdit{}
	for _, k := range order {
		edits := groups[k]
		bestStart, bestEnd := 0, -1
		for i := range edits {
			end := i
			for end+1 < len(edits) && edits[end+1].Timestamp.Sub(edits[i].Timestamp) <= editWindow {
				end++
			}
			if end-i > bestEnd-bestStart {
				bestStart, bestEnd = i, end
			}
		}
		count := bestEnd - bestStart + 1
		if count <= editFlagAbove {
			continue
		}
		severity := SeverityMedium
		if count > editHighAbove {
			severity = SeverityHigh
		}
		out = append(out, HighRiskEdit{
			ActorID:     k.actor,
			TargetType:  k.targetType,
			TargetID:    k.targetID,
			EditCount:   count,
			Severity:    severity,
			WindowStart: edits[bestStart].Timestamp,
			WindowEnd:   edits[bestEnd].Timestamp,
		})
	}
	return out
}

// inactiveUserAccess groups logins by inactive accounts. inactive holds the
// directory's verdict per actor id.
func inactiveUserAccess(events []activity.Event, inactive map[string]bool) []InactiveUserAccess {
	groups := make(map[string]*InactiveUserAccess)
	var order []string
	for _, e := range events {
		if e.Verb != activity.VerbLogin {
			continue
		}
		reason := inactiveReason(e, inactive)
		if reason == "" {
			continue
		}
		actor := e.Actor.IDOrEmpty()
		if actor == "" {
			actor = loginName(e)
		}
		g, ok := groups[actor]
		if !ok {
			g = &InactiveUserAccess{ActorID: actor}
			groups[actor] = g
			order = append(order, actor)
		}
		g.Attempts++
		if e.Timestamp.After(g.LastSeen) {
			g.LastSeen = e.Timestamp
			g.Username = loginName(e)
			g.IP = e.Context.IP.String()
			g.Device = deviceLabel(e.Context)
			g.Reason = reason
		}
	}
	out := make([]InactiveUserAccess, 0, len(order))
	for _, a := range order {
		out = append(out, *groups[a])
	}
	slices.SortStableFunc(out, func(a, b InactiveUserAccess) int { return b.LastSeen.Compare(a.LastSeen) })
	return out
}

func inactiveReason(e activity.Event, inactive map[string]bool) string {
	c := e.Context
	switch {
	case e.Actor.ID != nil && inactive[*e.Actor.ID]:
		return "account is inactive"
	case c.IsActive != nil && !*c.IsActive:
		return "event marks account inactive"
	case strings.EqualFold(c.UserStatus, userStatusDormant):
		return fmt.Sprintf("user_status %q", c.UserStatus)
	}
	return ""
}

// loginActors lists the distinct actor ids of LOGIN events for the directory
// lookup.
func loginActors(events []activity.Event) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range events {
		if e.Verb != activity.VerbLogin || e.Actor.ID == nil {
			continue
		}
		if _, ok := seen[*e.Actor.ID]; ok {
			continue
		}
		seen[*e.Actor.ID] = struct{}{}
		out = append(out, *e.Actor.ID)
	}
	return out
}
