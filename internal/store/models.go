package store

import "time"

// Upload is the latest event document received for one participant.
type Upload struct {
	UserKey     string
	StudyID     string
	Filename    string
	Document    []byte
	Records     int // Number of records in Document
	UploadCount int // How many times this participant has uploaded
	ReceivedAt  time.Time
}

type UploadSummary struct {
	UserKey     string
	StudyID     string
	Records     int
	UploadCount int
	Bytes       int
	ReceivedAt  time.Time
}
