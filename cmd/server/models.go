package main

import (
	"time"

	"github.com/samber/lo"

	"github.com/liamcoop/api4cep/definitions"
)

// API Request and Response Models

// DefinitionRequest is the body of create and update calls
type DefinitionRequest struct {
	Name    string `json:"name" example:"StockTick"`
	Content string `json:"content" example:"@public @buseventtype create schema StockTick(symbol string, price double)"`
}

func (r DefinitionRequest) edit() definitions.Edit {
	return definitions.Edit{Name: r.Name, Content: r.Content}
}

// DefinitionResponse represents a definition in API responses
type DefinitionResponse struct {
	ID            string    `json:"id" example:"123e4567-e89b-12d3-a456-426614174000"`
	Kind          string    `json:"kind" example:"event-type"`
	Name          string    `json:"name" example:"StockTick"`
	Content       string    `json:"content"`
	ReadyToDeploy bool      `json:"readyToDeploy" example:"false"`
	Deployed      bool      `json:"deployed" example:"false"`
	State         string    `json:"state" example:"draft"`
	Version       int64     `json:"version" example:"1"`
	CreatedAt     time.Time `json:"createdAt" example:"2024-01-15T10:30:00Z"`
	UpdatedAt     time.Time `json:"updatedAt" example:"2024-01-15T10:30:00Z"`
}

// DefinitionsListResponse represents the response for list and name lookups
type DefinitionsListResponse struct {
	Definitions []DefinitionResponse `json:"definitions"`
	Count       int                  `json:"count" example:"1"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"definition not found"`
	Details string `json:"details,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string   `json:"status" example:"healthy"`
	Kinds  []string `json:"kinds,omitempty"`
	Error  string   `json:"error,omitempty"`
}

func toResponse(d *definitions.Definition) DefinitionResponse {
	return DefinitionResponse{
		ID:            d.ID,
		Kind:          string(d.Kind),
		Name:          d.Name,
		Content:       d.Content,
		ReadyToDeploy: d.ReadyToDeploy,
		Deployed:      d.Deployed,
		State:         d.State().String(),
		Version:       d.Version,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func toListResponse(defs []*definitions.Definition) DefinitionsListResponse {
	return DefinitionsListResponse{
		Definitions: lo.Map(defs, func(d *definitions.Definition, _ int) DefinitionResponse { return toResponse(d) }),
		Count:       len(defs),
	}
}
