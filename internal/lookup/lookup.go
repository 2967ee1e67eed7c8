// Package lookup answers whether a hashed room is in the abuse registry.
package lookup

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lessucettes/redlight/internal/alert"
	"github.com/lessucettes/redlight/internal/dataset"
	"github.com/lessucettes/redlight/internal/metrics"
)

// Request is the lookup body sent by a gate.
type Request struct {
	RoomIDHash string `json:"room_id_hash"`
	UserIDHash string `json:"user_id_hash"`
	APIToken   string `json:"api_token"`

	// SourceAddr is the caller address, for audit logs only.
	SourceAddr string `json:"-"`
}

type Outcome int

const (
	Matched Outcome = iota
	NotMatched
	Unauthorized
	Malformed
	InternalError
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case NotMatched:
		return "not_matched"
	case Unauthorized:
		return "unauthorized"
	case Malformed:
		return "malformed"
	case InternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// Verdict is the result of a lookup. ReportID is set only for Matched.
type Verdict struct {
	Outcome  Outcome
	ReportID string
}

type DatasetSource interface {
	Current(ctx context.Context) (dataset.Dataset, error)
}

type Notifier interface {
	Notify(ev alert.Event)
}

type Options struct {
	APITokens []string
	// AlertRoom receives match alerts.
	AlertRoom string
	Metrics   *metrics.Metrics
}

type Service struct {
	data      DatasetSource
	notifier  Notifier
	tokens    [][]byte
	alertRoom string
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewService(data DatasetSource, notifier Notifier, opts Options, logger *slog.Logger) *Service {
	tokens := make([][]byte, 0, len(opts.APITokens))
	for _, t := range opts.APITokens {
		tokens = append(tokens, []byte(t))
	}
	if notifier == nil {
		notifier = alert.Noop{}
	}
	return &Service{
		data:      data,
		notifier:  notifier,
		tokens:    tokens,
		alertRoom: opts.AlertRoom,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "lookup"),
	}
}

// authorized compares against every token so timing does not reveal which
// one, if any, matched.
func (s *Service) authorized(token string) bool {
	got := []byte(token)
	ok := 0
	for _, want := range s.tokens {
		ok |= subtle.ConstantTimeCompare(got, want)
	}
	return ok == 1
}

// Lookup checks the request and resolves it against the current dataset.
// A match also hands an alert to the notifier without waiting for delivery.
func (s *Service) Lookup(ctx context.Context, req Request) (v Verdict) {
	start := time.Now()
	reqID := RequestID(ctx)
	logger := s.logger.With("request_id", reqID)
	defer func() { s.metrics.ObserveLookup(v.Outcome.String(), start) }()

	if req.RoomIDHash == "" || req.UserIDHash == "" || req.APIToken == "" {
		logger.Info("Malformed lookup request", "source", req.SourceAddr)
		return Verdict{Outcome: Malformed}
	}
	if !s.authorized(req.APIToken) {
		logger.Warn("Unauthorized lookup request", "source", req.SourceAddr)
		return Verdict{Outcome: Unauthorized}
	}

	roomHash := strings.ToLower(req.RoomIDHash)
	userHash := strings.ToLower(req.UserIDHash)

	data, err := s.data.Current(ctx)
	if err != nil {
		logger.Error("Dataset unavailable", "error", err)
		return Verdict{Outcome: InternalError}
	}

	reportID, ok := data.Lookup(roomHash)
	if !ok {
		logger.Info("Lookup not matched", "room_hash", roomHash, "user_hash", userHash)
		return Verdict{Outcome: NotMatched}
	}

	logger.Info("Lookup matched", "room_hash", roomHash, "user_hash", userHash, "report_id", reportID)
	s.notifier.Notify(alert.NewEvent(s.alertRoom, reportID, userHash))
	return Verdict{Outcome: Matched, ReportID: reportID}
}

type requestIDKey struct{}

// WithRequestID attaches a request id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id attached to ctx, or a new one.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}
