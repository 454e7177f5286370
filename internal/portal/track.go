package portal

import "github.com/qlido/BSM-Backend-V2/internal/config"

// TrackName maps a student's grade and class number to the department name
// the portal expects in the login form. First graders share a common track;
// from second grade on, classes 1-2 belong to the software track and the
// rest to the embedded track.
func TrackName(cfg *config.PortalConfig, grade, classNo int) string {
	if grade == 1 {
		return cfg.CommonTrack
	}
	if classNo <= 2 {
		return cfg.SoftwareTrack
	}
	return cfg.EmbeddedTrack
}
