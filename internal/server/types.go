// Package server provides the HTTP server for the audiocut API.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"time"

	"github.com/maauso/audiocut/internal/session"
)

// CreateSessionResponse is the HTTP response after creating a session.
type CreateSessionResponse struct {
	// ID is the unique identifier for the created session.
	ID string `json:"id"`
	// Phase is the session phase after initialization.
	Phase string `json:"phase"`
}

// TrackResponse describes the loaded track.
type TrackResponse struct {
	Name       string    `json:"name"`
	Size       int       `json:"size"`
	Format     string    `json:"format"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	Duration   float64   `json:"duration"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// RegionResponse is a selected time range in seconds.
type RegionResponse struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// SessionResponse is the HTTP response for getting session details.
type SessionResponse struct {
	// ID is the unique identifier for the session.
	ID string `json:"id"`
	// Phase is the current lifecycle phase.
	Phase string `json:"phase"`
	// Track is the loaded track, if any.
	Track *TrackResponse `json:"track,omitempty"`
	// Selection is the active region, if any.
	Selection *RegionResponse `json:"selection,omitempty"`
	// Playing reports whether preview playback is running.
	Playing bool `json:"playing"`
	// Position is the preview playback position in seconds.
	Position float64 `json:"position,omitempty"`
	// LastLog is the most recent engine output line.
	LastLog string `json:"last_log,omitempty"`
	// LastError is the most recent command failure.
	LastError string `json:"last_error,omitempty"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"created_at"`
}

// ListSessionsResponse is the HTTP response for listing sessions.
type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

// PlayRequest is the HTTP request body for starting preview playback.
type PlayRequest struct {
	// Start is the offset in seconds. Defaults to 0.
	Start *float64 `json:"start" validate:"omitempty,gte=0"`
	// Stop is the offset where playback ends. Defaults to the track end.
	Stop *float64 `json:"stop" validate:"omitempty,gt=0"`
}

// PlayResponse is the HTTP response after starting playback.
type PlayResponse struct {
	Start float64 `json:"start"`
	Stop  float64 `json:"stop"`
}

// RegionRequest is the HTTP request body for creating or updating a selection.
type RegionRequest struct {
	// Start is the region start in seconds.
	Start *float64 `json:"start" validate:"required,gte=0"`
	// End is the region end in seconds.
	End *float64 `json:"end" validate:"required,gt=0"`
}

// CutRequest is the HTTP request body for exporting the selection.
type CutRequest struct {
	// OutputName is the file name of the produced cut.
	OutputName string `json:"output_name" validate:"required,max=255"`
	// CodecStrategy is "stream-copy" or "re-encode". Defaults to the server setting.
	CodecStrategy string `json:"codec_strategy" validate:"omitempty,oneof=stream-copy re-encode"`
	// PushToS3 uploads the cut and returns its URL instead of the bytes.
	PushToS3 bool `json:"push_to_s3"`
}

// CutResponse is the HTTP response when a cut is published to S3.
type CutResponse struct {
	// OutputName is the file name of the produced cut.
	OutputName string `json:"output_name"`
	// Size is the cut length in bytes.
	Size int `json:"size"`
	// URL is the S3 URL of the cut.
	URL string `json:"url"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
	// Sessions is the number of live sessions.
	Sessions int `json:"sessions"`
}

// newSessionResponse maps a session status to its DTO.
func newSessionResponse(st session.Status) SessionResponse {
	resp := SessionResponse{
		ID:        st.ID,
		Phase:     string(st.Phase),
		Playing:   st.Playing,
		Position:  st.Position,
		LastLog:   st.LastLog,
		LastError: st.LastError,
		CreatedAt: st.CreatedAt,
	}
	if st.Track != nil {
		resp.Track = &TrackResponse{
			Name:       st.Track.Name,
			Size:       st.Track.Size,
			Format:     st.Track.Format,
			SampleRate: st.Track.SampleRate,
			Channels:   st.Track.Channels,
			Duration:   st.Track.Duration,
			LoadedAt:   st.Track.LoadedAt,
		}
	}
	if st.Selection != nil {
		resp.Selection = &RegionResponse{Start: st.Selection.Start, End: st.Selection.End}
	}
	return resp
}
