package probe

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Attribute is one row of the device's attribute table.
type Attribute struct {
	ID         int
	Name       string
	Raw        int64
	Normalized int
	Worst      int
	Threshold  int
	WhenFailed string
}

// Snapshot is the immutable result of one completed probe. The engine keys
// it by device identity when recording; the adapter itself only knows paths.
type Snapshot struct {
	TakenAt    time.Time
	Model      string
	Serial     string
	Passed     bool
	Attributes []Attribute
}

// report mirrors the fields of the tool's machine-readable output that the
// engine depends on; everything else is ignored.
type report struct {
	ModelName    string `json:"model_name"`
	SerialNumber string `json:"serial_number"`
	SmartStatus  struct {
		Passed bool `json:"passed"`
	} `json:"smart_status"`
	AtaSmartAttributes struct {
		Table []struct {
			ID         int    `json:"id"`
			Name       string `json:"name"`
			Value      int    `json:"value"`
			Worst      int    `json:"worst"`
			Thresh     int    `json:"thresh"`
			WhenFailed string `json:"when_failed"`
			Raw        struct {
				Value int64 `json:"value"`
			} `json:"raw"`
		} `json:"table"`
	} `json:"ata_smart_attributes"`
	AtaSmartData struct {
		SelfTest struct {
			Status struct {
				Value            int  `json:"value"`
				Passed           bool `json:"passed"`
				RemainingPercent int  `json:"remaining_percent"`
			} `json:"status"`
		} `json:"self_test"`
	} `json:"ata_smart_data"`
	NvmeSmartHealthInformationLog *struct {
		Temperature     int64 `json:"temperature"`
		PowerOnHours    int64 `json:"power_on_hours"`
		PowerCycles     int64 `json:"power_cycles"`
		MediaErrors     int64 `json:"media_errors"`
		PercentageUsed  int64 `json:"percentage_used"`
		UnsafeShutdowns int64 `json:"unsafe_shutdowns"`
	} `json:"nvme_smart_health_information_log"`
}

func decodeReport(raw []byte) (*Snapshot, error) {
	rep, err := unmarshalReport(raw)
	if err != nil {
		return nil, err
	}
	return rep.toSnapshot(), nil
}

// decodeSelfTestReport additionally extracts self-test completion state.
func decodeSelfTestReport(raw []byte) (snap *Snapshot, remaining int, running bool, err error) {
	rep, err := unmarshalReport(raw)
	if err != nil {
		return nil, 0, false, err
	}
	status := rep.AtaSmartData.SelfTest.Status
	// Values 240-249 mean a self-test is in progress.
	if status.Value >= 240 && status.Value <= 249 {
		return nil, status.RemainingPercent, true, nil
	}
	return rep.toSnapshot(), 0, false, nil
}

func unmarshalReport(raw []byte) (*report, error) {
	if len(raw) == 0 {
		return nil, &ParseError{Err: errors.New("empty output")}
	}
	var rep report
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, &ParseError{Err: err}
	}
	return &rep, nil
}

func (r *report) toSnapshot() *Snapshot {
	snap := &Snapshot{
		TakenAt: time.Now(),
		Model:   r.ModelName,
		Serial:  r.SerialNumber,
		Passed:  r.SmartStatus.Passed,
	}
	for _, row := range r.AtaSmartAttributes.Table {
		snap.Attributes = append(snap.Attributes, Attribute{
			ID:         row.ID,
			Name:       row.Name,
			Raw:        row.Raw.Value,
			Normalized: row.Value,
			Worst:      row.Worst,
			Threshold:  row.Thresh,
			WhenFailed: row.WhenFailed,
		})
	}
	// NVMe devices expose a health log instead of an ATA table; map the
	// counters the trend queries care about onto synthetic attribute rows.
	if nvme := r.NvmeSmartHealthInformationLog; nvme != nil && len(snap.Attributes) == 0 {
		snap.Attributes = []Attribute{
			{ID: 194, Name: "Temperature_Celsius", Raw: nvme.Temperature},
			{ID: 9, Name: "Power_On_Hours", Raw: nvme.PowerOnHours},
			{ID: 12, Name: "Power_Cycle_Count", Raw: nvme.PowerCycles},
			{ID: 187, Name: "Media_Errors", Raw: nvme.MediaErrors},
			{ID: 177, Name: "Percentage_Used", Raw: nvme.PercentageUsed},
			{ID: 192, Name: "Unsafe_Shutdowns", Raw: nvme.UnsafeShutdowns},
		}
	}
	return snap
}
