// Package models holds the HTTP request and response bodies.
package models

import (
	"github.com/punchamoorthee/shardledger/internal/domain"
	"github.com/punchamoorthee/shardledger/internal/service"
)

// CreateAccountRequest opens an account on the owner's shard.
type CreateAccountRequest struct {
	OwnerID        string `json:"owner_id"`
	InitialBalance int64  `json:"initial_balance"`
	Currency       string `json:"currency"`
}

// TransferRequest is the payload from the client.
type TransferRequest struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// TransferResponse is the canonical response structure.
type TransferResponse struct {
	TransferID    string                `json:"transfer_id"`
	Status        domain.TransferStatus `json:"status"`
	FailureReason string                `json:"failure_reason,omitempty"`
	Error         string                `json:"error,omitempty"`
}

// AccountResponse is an account together with its fraud status.
type AccountResponse struct {
	*domain.Account
	Shard  int           `json:"shard"`
	Status domain.Status `json:"status"`
}

// ShardResponse reports where an owner's data lives.
type ShardResponse struct {
	OwnerID    string `json:"owner_id"`
	Shard      int    `json:"shard"`
	ShardCount int    `json:"shard_count"`
}

// ReviewRequest carries the reviewer's notes for approve and reject.
type ReviewRequest struct {
	Notes string `json:"notes"`
}

// UnfreezeRequest carries the reason recorded in the audit trail.
type UnfreezeRequest struct {
	Reason string `json:"reason"`
}

// StatsResponse is the read-only analytics surface.
type StatsResponse = service.Stats

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}
