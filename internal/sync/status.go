package sync

import "fmt"

// SyncState is the derived state shown by the sync indicator.
type SyncState string

const (
	SyncStateOffline     SyncState = "offline"
	SyncStateDownloading SyncState = "downloading"
	SyncStateUploading   SyncState = "uploading"
	SyncStateIdle        SyncState = "idle"
)

// SyncStatus is the sync indicator read model.
type SyncStatus struct {
	State       SyncState `json:"state"`
	Label       string    `json:"label"`
	Online      bool      `json:"online"`
	Downloading bool      `json:"downloading"`
	Pending     int       `json:"pending"`
}

// DeriveStatus maps the three signals to the indicator state. Offline wins
// over everything, then an active download, then queued changes.
func DeriveStatus(online, downloading bool, pending int) SyncStatus {
	s := SyncStatus{Online: online, Downloading: downloading, Pending: pending}
	switch {
	case !online:
		s.State = SyncStateOffline
		s.Label = fmt.Sprintf("Offline (%d pendientes)", pending)
	case downloading:
		s.State = SyncStateDownloading
		s.Label = "Descargando datos..."
	case pending > 0:
		s.State = SyncStateUploading
		s.Label = fmt.Sprintf("Sincronizando %d cambios...", pending)
	default:
		s.State = SyncStateIdle
	}
	return s
}

// Visible reports whether the indicator should be shown.
func (s SyncStatus) Visible() bool {
	return s.State != SyncStateIdle
}
