package models

import (
	"encoding/json"
	"time"
)

// RemoteRecord представляет сущность (товар, оферта, заказ) в том виде,
// в котором её возвращает API eMAG. Один и тот же RemoteKey может
// одновременно существовать под разными аккаунтами - это разные локальные
// сущности, их нельзя объединять при поиске.
type RemoteRecord struct {
	RemoteKey  string          `json:"remote_key"`
	Account    string          `json:"account"`
	Name       string          `json:"name"`
	Price      float64         `json:"price"`
	Stock      int             `json:"stock"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ModifiedAt time.Time       `json:"modified_at"`
}

// OfferSyncStatus - статус синхронизации локальной сущности
type OfferSyncStatus string

const (
	OfferSynced  OfferSyncStatus = "synced"
	OfferPending OfferSyncStatus = "pending"
	OfferFailed  OfferSyncStatus = "failed"
)

// MarketplaceOffer - локально сохраненная сущность маркетплейса.
// Уникальна по паре (remote_key, account).
type MarketplaceOffer struct {
	ID               string          `json:"id"`
	RemoteKey        string          `json:"remote_key"`
	Account          string          `json:"account"`
	Name             string          `json:"name"`
	Price            float64         `json:"price"`
	Stock            int             `json:"stock"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	RemoteModifiedAt time.Time       `json:"remote_modified_at"`
	LastSyncedAt     time.Time       `json:"last_synced_at"`
	SyncStatus       OfferSyncStatus `json:"sync_status"`
	SyncError        string          `json:"sync_error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
