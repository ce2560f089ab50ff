package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pellmont/holdfast/engine"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/net/netutil"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the decision daemon with its HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		ctx := cmd.Context()

		bundle, err := engineFromViper(ctx, log)
		if err != nil {
			return err
		}
		defer bundle.Close()

		addr := strings.TrimSpace(viper.GetString("serve.listen"))
		if addr == "" {
			addr = "127.0.0.1:8422"
		}
		maxConns := viper.GetInt("serve.max_conns")
		if maxConns <= 0 {
			maxConns = 128
		}

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		ln = netutil.LimitListener(ln, maxConns)

		mux := http.NewServeMux()
		registerHandlers(mux, bundle)

		srv := &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Serve(ln) }()
		log.Info("serve_started", "addr", addr, "max_conns", maxConns)

		select {
		case <-sigCtx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			log.Info("serve_stopped")
			return nil
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	},
}

func registerHandlers(mux *http.ServeMux, bundle *engineBundle) {
	mux.HandleFunc("POST /v1/decide", func(w http.ResponseWriter, r *http.Request) {
		var req DecideHTTPRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid json: "+err.Error())
			return
		}
		dec, in, err := bundle.Engine.Decide(r.Context(), engine.DecideRequest{
			ID:         req.ID,
			Operation:  engine.Operation(req.Operation),
			Scope:      req.Scope,
			Session:    req.Session,
			RiskScore:  req.RiskScore,
			Confidence: req.Confidence,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := DecideHTTPResponse{
			InteractionID:   in.ID,
			Decision:        string(dec.Type),
			Status:          string(in.Status),
			Reason:          in.Reason,
			Tier:            dec.Tier,
			Priority:        dec.Priority,
			ConfidenceBoost: dec.ConfidenceBoost,
		}
		if dec.Type == engine.DecisionConditionalApprove {
			sg := dec.Safeguards
			resp.Safeguards = &sg
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("POST /v1/resolve", func(w http.ResponseWriter, r *http.Request) {
		var req ResolveHTTPRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid json: "+err.Error())
			return
		}
		approve, err := parseResolveDecision(req.Decision)
		if err != nil {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		in, err := bundle.Engine.Resolve(r.Context(), req.InteractionID, approve, req.Actor)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, interactionView(in))
	})

	mux.HandleFunc("GET /v1/interactions/{id}", func(w http.ResponseWriter, r *http.Request) {
		in, ok, err := bundle.Engine.Status(r.Context(), r.PathValue("id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !ok {
			httpError(w, http.StatusNotFound, "interaction not found")
			return
		}
		writeJSON(w, http.StatusOK, interactionView(in))
	})

	mux.HandleFunc("GET /v1/pending", func(w http.ResponseWriter, r *http.Request) {
		held, err := bundle.Engine.Pending(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]InteractionHTTPView, 0, len(held))
		for _, in := range held {
			out = append(out, interactionView(in))
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("GET /v1/queue", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, bundle.Queue.Pending())
	})
}

func parseResolveDecision(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved":
		return true, nil
	case "deny", "denied":
		return false, nil
	default:
		return false, errors.New(`decision must be "approve" or "deny"`)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
