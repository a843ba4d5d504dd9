package model

// EventType classifies a watch event.
type EventType uint8

const (
	EventCreated EventType = iota
	EventUpdated
	EventArchived
	EventDeleted
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "Created"
	case EventUpdated:
		return "Updated"
	case EventArchived:
		return "Archived"
	case EventDeleted:
		return "Deleted"
	default:
		return "Unknown"
	}
}

// WatchEvent notifies subscribers of a committed change to an experience.
// Events carry the CSN of the commit that produced them; a subscriber sees
// events in CSN order, with gaps where backpressure dropped events.
type WatchEvent struct {
	ExperienceID ExperienceID
	CollectiveID CollectiveID
	Type         EventType
	Timestamp    Timestamp
	CSN          uint64
}

// WatchFilter narrows which events a subscriber receives. It is evaluated
// against the experience the event refers to before the send is attempted.
type WatchFilter struct {
	// Domains matches experiences with at least one overlapping domain tag.
	Domains []string

	// Types matches on the experience type discriminant.
	Types []ExperienceTypeTag

	// MinImportance keeps events for experiences at or above the threshold.
	MinImportance *float32
}

// MatchesExperience reports whether an event about e passes the filter.
// Delete events arrive with the experience's last known state.
func (f *WatchFilter) MatchesExperience(e *Experience) bool {
	if f == nil {
		return true
	}
	if f.Domains != nil && !anyOverlap(e.Domain, f.Domains) {
		return false
	}
	if f.Types != nil {
		tag := e.Type.Tag()
		found := false
		for _, t := range f.Types {
			if t == tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinImportance != nil && e.Importance < *f.MinImportance {
		return false
	}
	return true
}
