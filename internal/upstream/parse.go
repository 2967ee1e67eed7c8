package upstream

import (
	"encoding/json"
	"strings"
)

// AbuseRecord is one registry entry that passed the tag filter.
type AbuseRecord struct {
	RoomHash string
	ReportID string
	Tags     []string
}

type rawRecord struct {
	Room struct {
		RoomIDHash string `json:"room_id_hash"`
	} `json:"room"`
	ReportID   string `json:"report_id"`
	ReportInfo struct {
		Tags []string `json:"tags"`
	} `json:"report_info"`
}

// Parse decodes the registry file and keeps records carrying at least one
// of filteredTags. Records without a room hash or report id are skipped.
func Parse(raw []byte, filteredTags []string) ([]AbuseRecord, error) {
	var entries []rawRecord
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, &FetchError{Op: "parse", Err: err}
	}

	wanted := make(map[string]struct{}, len(filteredTags))
	for _, tag := range filteredTags {
		wanted[tag] = struct{}{}
	}

	records := make([]AbuseRecord, 0, len(entries))
	for _, e := range entries {
		if e.Room.RoomIDHash == "" || e.ReportID == "" {
			continue
		}
		if !hasAnyTag(e.ReportInfo.Tags, wanted) {
			continue
		}
		records = append(records, AbuseRecord{
			RoomHash: strings.ToLower(e.Room.RoomIDHash),
			ReportID: e.ReportID,
			Tags:     e.ReportInfo.Tags,
		})
	}
	return records, nil
}

func hasAnyTag(tags []string, wanted map[string]struct{}) bool {
	for _, tag := range tags {
		if _, ok := wanted[tag]; ok {
			return true
		}
	}
	return false
}
