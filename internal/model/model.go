package model

import "time"

// Merchant описывает зарегистрированного торговца кампуса.
type Merchant struct {
	IsMerchant bool
	Name       string
}

// Credential описывает цифровое удостоверение студента.
type Credential struct {
	ID          uint64
	Owner       Account
	NaturalKey  string
	DisplayName string
	ProgramName string
	MetadataURI string
	IssuedAt    time.Time
	Expiry      time.Time
	Active      bool
}

// AccountSummary содержит состояние счёта в кредитном реестре.
type AccountSummary struct {
	Account      Account `json:"account"`
	Balance      uint64  `json:"balance"`
	DailyLimit   *uint64 `json:"daily_limit,omitempty"`
	SpentToday   uint64  `json:"spent_today"`
	IsMerchant   bool    `json:"is_merchant"`
	MerchantName string  `json:"merchant_name,omitempty"`
}
