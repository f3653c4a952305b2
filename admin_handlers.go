package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"stream-checker/work/checker"
	"stream-checker/work/logger"
)

// setupAdminRoutes wires the admin API. Everything returns JSON; writes go
// through the service so the two loops stay the only mutators of channel
// state.
func setupAdminRoutes(router *mux.Router, svc *checker.Service) {
	router.HandleFunc("/api/status", corsMiddleware(handleStatus(svc))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/progress", corsMiddleware(handleProgress(svc))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/config", corsMiddleware(handleGetConfig(svc))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/config", corsMiddleware(handleSetConfig(svc))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/queue", corsMiddleware(handleQueueStatus(svc))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/queue", corsMiddleware(handleClearQueue(svc))).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/api/check/{channel:[0-9]+}", corsMiddleware(handleQueueChannel(svc))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/check/updated", corsMiddleware(handleCheckUpdated(svc))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/channels/updated", corsMiddleware(handleChannelsUpdated(svc))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/global-action", corsMiddleware(handleGlobalAction(svc))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/dead-streams", corsMiddleware(handleDeadStreams(svc))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/moved-streams", corsMiddleware(handleMovedStreams(svc))).Methods("GET", "OPTIONS")
}

func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func handleStatus(svc *checker.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	}
}

func handleProgress(svc *checker.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := svc.Progress()
		if p == nil {
			writeJSON(w, http.StatusOK, map[string]any{"active": false})
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleGetConfig(svc *checker.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Config())
	}
}

func handleSetConfig(svc *checker.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
			return
		}
		cfg, err := svc.UpdateConfig(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Info("config updated via admin API")
		writeJSON(w, http.StatusOK, cfg)
	}
}

func handleQueueStatus(svc *checker.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"queue":    svc.Status().Queue,
			"failures": svc.QueueFailures(),
		})
	}
}

func handleClearQueue(svc *checker.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.ClearQueue()
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

func handleQueueChannel(svc *checker.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID, err := strconv.Atoi(mux.Vars(r)["channel"])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid channel id")
			return
		}
		if !svc.QueueChannel(channelID) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"queued":  false,
				"channel": channelID,
			})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"queued":  true,
			"channel": channelID,
		})
	}
}

func handleCheckUpdated(svc *checker.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.TriggerCheckUpdatedChannels()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
	}
}

// handleChannelsUpdated is the webhook for upstream content changes: the
// caller names the channels whose stream sets changed and optionally the
// new stream counts.
func handleChannelsUpdated(svc *checker.Service) http.HandlerFunc {
	type payload struct {
		ChannelIDs   []int       `json:"channel_ids"`
		StreamCounts map[int]int `json:"stream_counts,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var p payload
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, "decoding body: "+err.Error())
			return
		}
		if len(p.ChannelIDs) == 0 {
			writeError(w, http.StatusBadRequest, "channel_ids required")
			return
		}
		svc.MarkChannelsUpdated(p.ChannelIDs, p.StreamCounts)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"marked": len(p.ChannelIDs),
		})
	}
}

func handleGlobalAction(svc *checker.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !svc.TriggerGlobalAction() {
			writeError(w, http.StatusConflict, "global action already in progress")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	}
}

func handleDeadStreams(svc *checker.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.DeadStreamSnapshot())
	}
}

func handleMovedStreams(svc *checker.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.PendingMoves())
	}
}
