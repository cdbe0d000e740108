package follow

// EventSettings carries operator-chosen display preferences that the core
// stores and rebroadcasts without interpreting. Bible fields are opaque
// passthrough values for a separate reference-parsing component.
type EventSettings struct {
	ProjectorFont  string `json:"projectorFont,omitempty"`
	BibleMode      bool   `json:"bibleMode"`
	BibleVersionID string `json:"bibleVersionId,omitempty"`
	BibleFollow    bool   `json:"bibleFollow"`
}

// EventSettingsUpdate carries only the fields the operator actually
// supplied; nil fields are left untouched by Merge.
type EventSettingsUpdate struct {
	ProjectorFont  *string
	BibleMode      *bool
	BibleVersionID *string
	BibleFollow    *bool
}

// Merge applies u on top of s, leaving unset fields unchanged.
func (s EventSettings) Merge(u EventSettingsUpdate) EventSettings {
	if u.ProjectorFont != nil {
		s.ProjectorFont = *u.ProjectorFont
	}
	if u.BibleMode != nil {
		s.BibleMode = *u.BibleMode
	}
	if u.BibleVersionID != nil {
		s.BibleVersionID = *u.BibleVersionID
	}
	if u.BibleFollow != nil {
		s.BibleFollow = *u.BibleFollow
	}
	return s
}
