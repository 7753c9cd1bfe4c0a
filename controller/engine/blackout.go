package engine

import (
	"time"

	"github.com/solarctl/solarctl/controller/rules"
	"github.com/solarctl/solarctl/controller/store"
)

// InBlackout reports whether the tenant-local time falls inside any
// configured blackout window. Malformed windows are ignored rather than
// locking the tenant out of automation.
func InBlackout(windows []store.BlackoutWindow, nowLocal time.Time) bool {
	minute := nowLocal.Hour()*60 + nowLocal.Minute()
	for _, w := range windows {
		start, errS := rules.ParseHHMM(w.Start)
		end, errE := rules.ParseHHMM(w.End)
		if errS != nil || errE != nil {
			continue
		}
		if rules.InWindow(minute, start, end) {
			return true
		}
	}
	return false
}
