// Package gate decides whether a user may join a room by asking the lookup
// service about the hashed identifiers. Failures resolve to Allow unless the
// gate is configured to fail closed.
package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lessucettes/redlight/internal/hasher"
)

const (
	ReasonPolicyViolation    = "policy violation"
	ReasonServiceUnavailable = "service unavailable"
)

// Decision is the gate's answer. ReportID is for host-side logs only and is
// never shown to the user.
type Decision struct {
	Allow    bool
	Reason   string
	ReportID string
}

func Allow() Decision { return Decision{Allow: true} }

func Deny(reason, reportID string) Decision {
	return Decision{Allow: false, Reason: reason, ReportID: reportID}
}

type Stage int

const (
	StageIdle Stage = iota
	StageHashing
	StageAwaitingResponse
	StageMatched
	StageNotMatched
	StageFailed
	StageDecided
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageHashing:
		return "hashing"
	case StageAwaitingResponse:
		return "awaiting_response"
	case StageMatched:
		return "matched"
	case StageNotMatched:
		return "not_matched"
	case StageFailed:
		return "failed"
	case StageDecided:
		return "decided"
	default:
		return "unknown"
	}
}

type Options struct {
	LookupURL string
	APIToken  string
	Timeout   time.Duration
	FailOpen  bool
}

type Gate struct {
	lookupURL string
	apiToken  string
	timeout   time.Duration
	failOpen  bool
	client    *http.Client
	logger    *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Gate {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	g := &Gate{
		lookupURL: opts.LookupURL,
		apiToken:  opts.APIToken,
		timeout:   timeout,
		failOpen:  opts.FailOpen,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With("component", "gate"),
	}
	if !g.failOpen {
		g.logger.Warn("Gate is configured to fail closed: joins are denied whenever the lookup service is unreachable")
	}
	return g
}

type lookupRequest struct {
	RoomIDHash string `json:"room_id_hash"`
	UserIDHash string `json:"user_id_hash"`
	APIToken   string `json:"api_token"`
}

type matchResponse struct {
	ReportID string `json:"report_id"`
}

var errNoReportID = errors.New("match response without report_id")

// lookupResult is the outcome of one call to the lookup service.
type lookupResult struct {
	stage    Stage
	reportID string
	err      error
}

// Decide runs one join decision. It never retries.
func (g *Gate) Decide(ctx context.Context, actorID, roomID string) Decision {
	logger := g.logger.With("user", actorID, "room", roomID)
	stage := func(s Stage) { logger.Debug("Join decision stage", "stage", s.String()) }

	stage(StageIdle)
	stage(StageHashing)
	req := lookupRequest{
		RoomIDHash: hasher.Hash(roomID),
		UserIDHash: hasher.Hash(actorID),
		APIToken:   g.apiToken,
	}

	stage(StageAwaitingResponse)
	res := g.lookup(ctx, req)
	stage(res.stage)

	var d Decision
	switch res.stage {
	case StageMatched:
		logger.Info("Join denied by abuse registry", "report_id", res.reportID)
		d = Deny(ReasonPolicyViolation, res.reportID)
	case StageNotMatched:
		d = Allow()
	default:
		d = g.Unavailable()
		if d.Allow {
			logger.Warn("Lookup failed, allowing join", "error", res.err)
		} else {
			logger.Warn("Lookup failed, denying join", "error", res.err)
		}
	}

	logger.Debug("Join decision stage", "stage", StageDecided.String(), "allow", d.Allow)
	return d
}

// Unavailable is the decision used when no verdict could be obtained.
func (g *Gate) Unavailable() Decision {
	if g.failOpen {
		return Allow()
	}
	return Deny(ReasonServiceUnavailable, "")
}

func (g *Gate) lookup(ctx context.Context, body lookupRequest) lookupResult {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return lookupResult{stage: StageFailed, err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, g.lookupURL, bytes.NewReader(payload))
	if err != nil {
		return lookupResult{stage: StageFailed, err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return lookupResult{stage: StageFailed, err: fmt.Errorf("lookup request: %w", err)}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var m matchResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&m); err != nil {
			return lookupResult{stage: StageFailed, err: fmt.Errorf("decode lookup response: %w", err)}
		}
		if m.ReportID == "" {
			return lookupResult{stage: StageFailed, err: errNoReportID}
		}
		return lookupResult{stage: StageMatched, reportID: m.ReportID}
	case http.StatusNoContent:
		return lookupResult{stage: StageNotMatched}
	default:
		return lookupResult{stage: StageFailed, err: fmt.Errorf("lookup returned status %d", resp.StatusCode)}
	}
}
