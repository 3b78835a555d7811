package model

import "time"

// EventKind описывает тип доменного события.
type EventKind string

const (
	EventMinted             EventKind = "MINTED"
	EventMerchantRegistered EventKind = "MERCHANT_REGISTERED"
	EventLimitSet           EventKind = "LIMIT_SET"
	EventTransferred        EventKind = "TRANSFERRED"
	EventIssued             EventKind = "ISSUED"
	EventRenewed            EventKind = "RENEWED"
	EventRetired            EventKind = "RETIRED"
	EventMetadataUpdated    EventKind = "METADATA_UPDATED"
)

// Event описывает запись журнала аудита. Seq и At назначает журнал событий при добавлении.
//
// Для перевода Actor означает плательщика, Subject получателя. Для операций реестра
// удостоверений Subject означает владельца записи.
type Event struct {
	Seq        uint64    `json:"seq"`
	At         time.Time `json:"at"`
	Kind       EventKind `json:"kind"`
	Actor      Account   `json:"actor"`
	Subject    Account   `json:"subject"`
	Amount     uint64    `json:"amount,omitempty"`
	Merchant   bool      `json:"merchant,omitempty"`
	RecordID   uint64    `json:"record_id,omitempty"`
	NaturalKey string    `json:"natural_key,omitempty"`
	Name       string    `json:"name,omitempty"`
	Program    string    `json:"program,omitempty"`
	URI        string    `json:"uri,omitempty"`
	Expiry     time.Time `json:"expiry,omitzero"`
}

// EventFilter отбирает события по равенству полей. Пустые поля не участвуют в отборе.
type EventFilter struct {
	Kind       EventKind
	Account    *Account
	RecordID   uint64
	NaturalKey string
}

// Match сообщает, подходит ли событие под фильтр. Account сравнивается и с Actor, и с Subject.
func (f EventFilter) Match(e Event) bool {
	if f.Kind != "" && f.Kind != e.Kind {
		return false
	}
	if f.Account != nil && *f.Account != e.Actor && *f.Account != e.Subject {
		return false
	}
	if f.RecordID != 0 && f.RecordID != e.RecordID {
		return false
	}
	if f.NaturalKey != "" && f.NaturalKey != e.NaturalKey {
		return false
	}
	return true
}
