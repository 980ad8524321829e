package capture

// BuildFilter picks the first display of content and splits applications and
// windows against the excluded identifiers. A window is excluded when its own
// identifier or its owning application's identifier is listed.
func BuildFilter(content Content, exclusions []string) (Filter, error) {
	if len(content.Displays) == 0 {
		return Filter{}, ErrNoDisplay
	}

	excluded := make(map[string]struct{}, len(exclusions))
	for _, id := range exclusions {
		if id == "" {
			continue
		}
		excluded[id] = struct{}{}
	}

	f := Filter{Display: content.Displays[0]}
	for _, app := range content.Applications {
		if _, ok := excluded[app.ID]; ok {
			f.ExcludedApplications = append(f.ExcludedApplications, app)
			continue
		}
		f.IncludedApplications = append(f.IncludedApplications, app)
	}
	for _, w := range content.Windows {
		_, byID := excluded[w.ID]
		_, byOwner := excluded[w.OwnerID]
		if byID || (w.OwnerID != "" && byOwner) {
			f.ExcludedWindows = append(f.ExcludedWindows, w)
		}
	}
	return f, nil
}

// Excludes reports whether the filter removes anything from the display.
func (f Filter) Excludes() bool {
	return len(f.ExcludedWindows) > 0 || len(f.ExcludedApplications) > 0
}
