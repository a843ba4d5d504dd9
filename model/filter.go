package model

// SearchFilter narrows experience queries. Nil/zero fields are not filtered
// on. Archived experiences are excluded unless IncludeArchived is set.
type SearchFilter struct {
	// Domains matches experiences with at least one overlapping domain tag.
	// Nil means no domain filtering; an empty non-nil slice matches nothing.
	Domains []string

	// Types matches on the type discriminant, not the associated data.
	Types []ExperienceTypeTag

	// MinImportance keeps experiences with Importance >= the threshold.
	MinImportance *float32

	// MinConfidence keeps experiences with Confidence >= the threshold.
	MinConfidence *float32

	// Since keeps experiences created at or after the timestamp.
	Since *Timestamp

	// IncludeArchived opts archived experiences back into results.
	IncludeArchived bool
}

// Matches reports whether the experience passes every criterion.
func (f *SearchFilter) Matches(e *Experience) bool {
	if f == nil {
		return !e.Archived
	}
	if !f.IncludeArchived && e.Archived {
		return false
	}
	if f.Domains != nil {
		if !anyOverlap(e.Domain, f.Domains) {
			return false
		}
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
	if f.MinConfidence != nil && e.Confidence < *f.MinConfidence {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	return true
}

func anyOverlap(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}
