// File: internal/server/handlers.go
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/plantscan/internal/classifier"
	"github.com/xkilldash9x/plantscan/internal/pipeline"
)

const imageField = "image"

// CaptureResponse is returned by the camera endpoints on success.
type CaptureResponse struct {
	Success       bool              `json:"success"`
	CaptureID     string            `json:"captureId"`
	CapturedImage string            `json:"capturedImage"`
	Analysis      classifier.Result `json:"analysis"`
}

// ErrorResponse is returned on any failure.
type ErrorResponse struct {
	Error         string `json:"error"`
	Kind          string `json:"kind,omitempty"`
	CaptureID     string `json:"captureId,omitempty"`
	CapturedImage string `json:"capturedImage,omitempty"`
}

// DetectResponse is returned by the detect endpoint on success.
type DetectResponse struct {
	Success bool       `json:"success"`
	Data    DetectData `json:"data"`
}

type DetectData struct {
	AIResult classifier.Result `json:"aiResult"`
	Risk     classifier.Risk   `json:"risk"`
}

type detectRequest struct {
	ImageURL string `json:"imageUrl"`
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleCapture runs the capture pipeline for this request.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	out := s.capture.Run(r.Context())
	status, body := CaptureResponseFor(out)
	if out.Failure != nil && out.Failure.Kind == pipeline.FailureBusy {
		w.Header().Set("Retry-After", "5")
	}
	s.respondJSON(w, status, body)
}

// CaptureResponseFor maps a pipeline outcome to the HTTP status and body the
// camera endpoints return.
func CaptureResponseFor(out pipeline.Outcome) (int, any) {
	if out.Succeeded() {
		return http.StatusOK, CaptureResponse{
			Success:       true,
			CaptureID:     out.CaptureID,
			CapturedImage: out.ImagePath,
			Analysis:      out.Analysis,
		}
	}

	var kind pipeline.FailureKind
	msg := "Capture failed"
	if out.Failure != nil {
		kind = out.Failure.Kind
		msg = out.Failure.Message
	}
	return statusForFailure(kind), ErrorResponse{
		Error:         msg,
		Kind:          string(kind),
		CaptureID:     out.CaptureID,
		CapturedImage: out.ImagePath,
	}
}

// statusForFailure maps failure kinds to HTTP status codes.
func statusForFailure(kind pipeline.FailureKind) int {
	switch kind {
	case pipeline.FailureBusy:
		return http.StatusServiceUnavailable
	case pipeline.FailureTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleDetect classifies an uploaded image or a remote image URL.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		result classifier.Result
		err    error
	)
	switch mediaType {
	case "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
		if perr := r.ParseMultipartForm(s.cfg.MaxUploadBytes); perr != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(perr, &tooLarge) {
				s.respondWithError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Image exceeds %d bytes", s.cfg.MaxUploadBytes))
				return
			}
			s.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid multipart body: %v", perr))
			return
		}
		file, header, ferr := r.FormFile(imageField)
		if ferr != nil {
			s.respondWithError(w, http.StatusBadRequest, "An image file or imageUrl is required")
			return
		}
		defer file.Close()
		result, err = s.detector.ClassifyImage(r.Context(), header.Filename, file)

	default:
		var body detectRequest
		if derr := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); derr != nil {
			s.respondWithError(w, http.StatusBadRequest, "An image file or imageUrl is required")
			return
		}
		req, rerr := remoteRequest(body.ImageURL)
		if rerr != nil {
			s.respondWithError(w, http.StatusBadRequest, rerr.Error())
			return
		}
		result, err = s.detector.Classify(r.Context(), req)
	}

	if err != nil {
		s.logger.Error("Image detection failed", zap.Error(err))
		s.respondWithError(w, http.StatusBadGateway, fmt.Sprintf("Image classification failed: %v", err))
		return
	}

	s.respondJSON(w, http.StatusOK, DetectResponse{
		Success: true,
		Data:    DetectData{AIResult: result, Risk: classifier.AssessRisk(result)},
	})
}

// remoteRequest validates a client supplied image URL. Local file references
// are refused so clients cannot make the service read files from this host.
func remoteRequest(imageURL string) (classifier.Request, error) {
	if strings.TrimSpace(imageURL) == "" {
		return classifier.Request{}, errors.New("an image file or imageUrl is required")
	}
	req, err := classifier.NewRequest(imageURL)
	if err != nil {
		return classifier.Request{}, fmt.Errorf("invalid imageUrl: %w", err)
	}
	if req.IsLocal() {
		return classifier.Request{}, errors.New("imageUrl must be an http(s) URL")
	}
	return req, nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.respondWithError(w, http.StatusServiceUnavailable, "Capture history is unavailable (database not configured)")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := s.history.RecentCaptures(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to load capture history", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Internal error retrieving capture history")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"count":    len(records),
		"captures": records,
	})
}

func (s *Server) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, ErrorResponse{Error: message})
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
