package sync

import "fmt"

// Summary is the outcome of one reconciliation tick. It carries counts only;
// event content never appears here or in logs.
type Summary struct {
	ScannedOutlook int `json:"scanned_outlook"`
	ScannedGoogle  int `json:"scanned_google"`

	OutlookSources int `json:"outlook_src"`
	OutlookMirrors int `json:"outlook_mirror"`
	GoogleSources  int `json:"google_src"`
	GoogleMirrors  int `json:"google_mirror"`

	CreatedOutlook int `json:"created_outlook"`
	CreatedGoogle  int `json:"created_google"`
	UpdatedOutlook int `json:"updated_outlook"`
	UpdatedGoogle  int `json:"updated_google"`
	DeletedOutlook int `json:"deleted_outlook"`
	DeletedGoogle  int `json:"deleted_google"`

	Conflicts int `json:"conflicts"`
	Errors    int `json:"errors"`
}

// Writes is the total number of calendar mutations the tick performed.
func (s Summary) Writes() int {
	return s.CreatedOutlook + s.CreatedGoogle +
		s.UpdatedOutlook + s.UpdatedGoogle +
		s.DeletedOutlook + s.DeletedGoogle
}

func (s Summary) String() string {
	return fmt.Sprintf(
		"outlook %d scanned (%d src, %d mirror); google %d scanned (%d src, %d mirror); "+
			"created o=%d g=%d; updated o=%d g=%d; deleted o=%d g=%d; conflicts=%d errors=%d",
		s.ScannedOutlook, s.OutlookSources, s.OutlookMirrors,
		s.ScannedGoogle, s.GoogleSources, s.GoogleMirrors,
		s.CreatedOutlook, s.CreatedGoogle,
		s.UpdatedOutlook, s.UpdatedGoogle,
		s.DeletedOutlook, s.DeletedGoogle,
		s.Conflicts, s.Errors,
	)
}
