package cubicle

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Container labels. Labels are immutable after create, so they carry only
// the identity of a cubicle; the mutable last-active stamp lives in the
// container name instead.
const (
	LabelManaged = "cubicle.managed"
	LabelAgentID = "cubicle.agent_id"
	LabelUserID  = "cubicle.user_id"
)

const namePrefix = "cubicle-"

// IdentityLabels returns the label set stamped on a cubicle container at
// create time.
func IdentityLabels(agentID, userID int64) map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelAgentID: strconv.FormatInt(agentID, 10),
		LabelUserID:  strconv.FormatInt(userID, 10),
	}
}

// ParseIdentity extracts the cubicle key from container labels.
func ParseIdentity(labels map[string]string) (agentID, userID int64, ok bool) {
	if labels[LabelManaged] != "true" {
		return 0, 0, false
	}
	agentID, err := strconv.ParseInt(labels[LabelAgentID], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	userID, err = strconv.ParseInt(labels[LabelUserID], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return agentID, userID, true
}

// ContainerName encodes the cubicle key and its last-active stamp:
// cubicle-a<agentID>-u<userID>-t<unix>. The stamp is refreshed by renaming
// the container, which keeps the engine the single source of truth for
// idleness without touching the immutable labels.
func ContainerName(agentID, userID int64, lastActive time.Time) string {
	return fmt.Sprintf("%sa%d-u%d-t%d", namePrefix, agentID, userID, lastActive.UTC().Unix())
}

// ParseContainerName decodes a cubicle container name. The engine reports
// names with a leading slash; that is tolerated.
func ParseContainerName(name string) (agentID, userID int64, lastActive time.Time, ok bool) {
	name = strings.TrimPrefix(name, "/")
	rest, found := strings.CutPrefix(name, namePrefix)
	if !found {
		return 0, 0, time.Time{}, false
	}
	parts := strings.Split(rest, "-")
	if len(parts) != 3 {
		return 0, 0, time.Time{}, false
	}
	agentStr, foundA := strings.CutPrefix(parts[0], "a")
	userStr, foundU := strings.CutPrefix(parts[1], "u")
	stampStr, foundT := strings.CutPrefix(parts[2], "t")
	if !foundA || !foundU || !foundT {
		return 0, 0, time.Time{}, false
	}
	agentID, errA := strconv.ParseInt(agentStr, 10, 64)
	userID, errU := strconv.ParseInt(userStr, 10, 64)
	stamp, errT := strconv.ParseInt(stampStr, 10, 64)
	if errA != nil || errU != nil || errT != nil {
		return 0, 0, time.Time{}, false
	}
	return agentID, userID, time.Unix(stamp, 0).UTC(), true
}
