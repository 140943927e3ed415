package host

import (
	"fmt"

	"github.com/smnsjas/go-pseshost/objects"
)

// convertToProgressRecord converts a decoded progress object to a ProgressRecord.
// Missing optional fields take the engine's defaults (-1, Processing).
func convertToProgressRecord(obj any) (*objects.ProgressRecord, error) {
	props, ok := obj.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected object for ProgressRecord, got %T", obj)
	}

	record := &objects.ProgressRecord{
		ParentActivityID: -1,
		PercentComplete:  -1,
		SecondsRemaining: -1,
		RecordType:       objects.ProgressRecordTypeProcessing,
	}

	if n, err := toInt(props["ActivityId"]); err == nil {
		record.ActivityID = n
	}
	if n, err := toInt(props["ParentActivityId"]); err == nil {
		record.ParentActivityID = n
	}
	if n, err := toInt(props["PercentComplete"]); err == nil {
		record.PercentComplete = n
	}
	if n, err := toInt(props["SecondsRemaining"]); err == nil {
		record.SecondsRemaining = n
	}
	if n, err := toInt(props["RecordType"]); err == nil {
		record.RecordType = objects.ProgressRecordType(n)
	}
	record.Activity, _ = props["Activity"].(string)
	record.StatusDescription, _ = props["StatusDescription"].(string)
	record.CurrentOperation, _ = props["CurrentOperation"].(string)

	return record, nil
}
