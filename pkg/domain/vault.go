package domain

import "encoding/json"

const MaxHistory = 50

type Blob struct {
	IV   string `json:"iv"`
	Data string `json:"data"`
}

type Document struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      string          `json:"type"`
	Base64    string          `json:"base64,omitempty"`
	Text      string          `json:"text,omitempty"`
	Analysis  json.RawMessage `json:"analysis,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Tags      []string        `json:"tags"`
}

type DraftType string

const (
	DraftNDA      DraftType = "NDA"
	DraftContract DraftType = "Contract"
	DraftPrenup   DraftType = "Prenup"
	DraftLease    DraftType = "Lease"
	DraftGeneral  DraftType = "General"
)

func (t DraftType) Valid() bool {
	switch t {
	case DraftNDA, DraftContract, DraftPrenup, DraftLease, DraftGeneral:
		return true
	}
	return false
}

type Draft struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Type         DraftType `json:"type"`
	Content      string    `json:"content"`
	LastModified int64     `json:"lastModified"`
}
