// File: internal/classifier/result.go
package classifier

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Request is an image reference accepted by the classification service:
// a file:// URI for a local artifact or an http(s) URL.
type Request struct {
	ref string
	u   *url.URL
}

// NewRequest validates ref and returns an immutable Request.
func NewRequest(ref string) (Request, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Request{}, fmt.Errorf("image reference is empty")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return Request{}, fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		if u.Path == "" {
			return Request{}, fmt.Errorf("file reference %q has no path", ref)
		}
	case "http", "https":
		if u.Host == "" {
			return Request{}, fmt.Errorf("url reference %q has no host", ref)
		}
	default:
		return Request{}, fmt.Errorf("unsupported image reference scheme %q", u.Scheme)
	}
	return Request{ref: ref, u: u}, nil
}

// Reference returns the reference exactly as it is sent to the service.
func (r Request) Reference() string { return r.ref }

// IsLocal reports whether the reference names a file on this host.
func (r Request) IsLocal() bool {
	return r.u != nil && strings.EqualFold(r.u.Scheme, "file")
}

// LocalPath returns the filesystem path of a file:// reference.
func (r Request) LocalPath() string {
	if !r.IsLocal() {
		return ""
	}
	p := r.u.Path
	// file:///C:/captures/x.jpg parses with a leading slash before the drive letter.
	if len(p) > 2 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return filepath.FromSlash(p)
}

func (r Request) String() string { return r.ref }

// Prediction is a single label and its confidence in [0,1].
type Prediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Result is the ranked list of predictions, in the order the service returned
// them. It may be empty.
type Result []Prediction

// Top returns the first prediction, which the service ranks highest.
func (r Result) Top() (Prediction, bool) {
	if len(r) == 0 {
		return Prediction{}, false
	}
	return r[0], true
}

// MarshalJSON keeps an empty result as [] rather than null.
func (r Result) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Prediction(r))
}

// Risk is the dashboard bucket for a result's top score.
type Risk string

const (
	RiskHealthy  Risk = "healthy"
	RiskMonitor  Risk = "monitor"
	RiskHighRisk Risk = "high_risk"
)

const (
	monitorThreshold  = 0.30
	highRiskThreshold = 0.70
)

// AssessRisk buckets the top prediction's score. An empty result is healthy.
func AssessRisk(r Result) Risk {
	top, ok := r.Top()
	switch {
	case !ok || top.Score < monitorThreshold:
		return RiskHealthy
	case top.Score < highRiskThreshold:
		return RiskMonitor
	default:
		return RiskHighRisk
	}
}

// decodeResult parses the service's JSON array and checks every score.
func decodeResult(status int, body []byte) (Result, error) {
	var preds []Prediction
	if err := json.Unmarshal(body, &preds); err != nil {
		return nil, &ServiceError{Status: status, Body: fmt.Sprintf("malformed classification result: %v", err)}
	}
	for i, p := range preds {
		if p.Score < 0 || p.Score > 1 {
			return nil, &ServiceError{Status: status, Body: fmt.Sprintf("prediction %d (%q) has score %v outside [0,1]", i, p.Label, p.Score)}
		}
	}
	return Result(preds), nil
}
