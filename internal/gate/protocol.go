package gate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"syscall"
)

const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// JoinRequest is one line written by the host.
type JoinRequest struct {
	ID        string `json:"id"`
	User      string `json:"user"`
	Room      string `json:"room"`
	IsInvited bool   `json:"is_invited"`
}

// JoinResponse is one line read back by the host.
type JoinResponse struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	Msg    string `json:"msg,omitempty"`
}

type Decider interface {
	Decide(ctx context.Context, actorID, roomID string) Decision
}

// FailurePolicy is implemented by deciders that choose how an internal
// failure resolves. Deciders without one fail open.
type FailurePolicy interface {
	Unavailable() Decision
}

var _ FailurePolicy = (*Gate)(nil)

// HandleRequest turns one join request into a response. A panic while
// deciding is answered with the decider's failure decision.
func HandleRequest(ctx context.Context, d Decider, req JoinRequest, logger *slog.Logger) (resp JoinResponse) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered in join decision",
				"panic", r, "request_id", req.ID, "stack", string(debug.Stack()),
			)
			resp = respond(req, unavailable(d))
		}
	}()

	logger.Debug("Join request", "request_id", req.ID, "user", req.User, "room", req.Room, "is_invited", req.IsInvited)

	return respond(req, d.Decide(ctx, req.User, req.Room))
}

func unavailable(d Decider) Decision {
	if fp, ok := d.(FailurePolicy); ok {
		return fp.Unavailable()
	}
	return Allow()
}

func respond(req JoinRequest, dec Decision) JoinResponse {
	if dec.Allow {
		return JoinResponse{ID: req.ID, Action: ActionAllow}
	}
	return JoinResponse{ID: req.ID, Action: ActionDeny, Msg: dec.Reason}
}

// Serve reads JSON join requests line by line from r and writes one response
// per request to w. It returns when r is exhausted, ctx is done or the host
// closes its end.
func Serve(ctx context.Context, d Decider, r io.Reader, w io.Writer, logger *slog.Logger) error {
	linesChan := make(chan []byte)
	errChan := make(chan error, 1)
	encoder := json.NewEncoder(w)

	go func() {
		defer close(errChan)
		defer close(linesChan)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lineCopy := make([]byte, len(scanner.Bytes()))
			copy(lineCopy, scanner.Bytes())
			select {
			case linesChan <- lineCopy:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errChan <- err
		}
	}()

	logger.Info("Ready to process join requests from stdin")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-linesChan:
			if !ok {
				if err := <-errChan; err != nil {
					return err
				}
				logger.Info("Input stream closed, shutting down")
				return nil
			}
			if len(line) == 0 {
				continue
			}

			var req JoinRequest
			if err := json.Unmarshal(line, &req); err != nil {
				logger.Warn("Failed to decode join request JSON", "error", err, "raw_line_prefix", prefix(line, 128))
				continue
			}
			if req.User == "" || req.Room == "" {
				logger.Warn("Join request without user or room", "request_id", req.ID)
				continue
			}

			resp := HandleRequest(ctx, d, req, logger)
			if err := encoder.Encode(resp); err != nil {
				if errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EPIPE) {
					return nil
				}
				logger.Error("Failed to write response to stdout", "error", err)
			}
		}
	}
}

func prefix(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
