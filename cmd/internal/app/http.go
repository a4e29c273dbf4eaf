package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"tether/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxWebhookBodyBytes bounds webhook payloads forwarded to devices.
const maxWebhookBodyBytes = 1 << 20

type httpDeps struct {
	log       Logger
	cfg       Config
	dbPool    *pgxpool.Pool
	dbEnabled bool
	ws        *realtime.WSGateway
	sync      *realtime.Controller
	gatherer  prometheus.Gatherer
}

func registerHTTP(mux *http.ServeMux, d httpDeps) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.cfg.ReadinessRequireDB && !d.dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if d.dbEnabled && d.dbPool != nil {
			if err := PingDB(r.Context(), d.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				d.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if d.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{}))
	}

	if d.sync != nil {
		mux.Handle("/webhook/{branch...}", webhookHandler(d.log, d.sync))
	}

	if d.ws != nil {
		mux.HandleFunc("/ws", d.ws.HandleWS)
	}
}

// webhookHandler forwards an inbound HTTP request to one device watching the
// branch named by the path. The record and inst come from the query string.
func webhookHandler(log Logger, sync *realtime.Controller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		key := realtime.BranchKey{
			RecordName: strings.TrimSpace(q.Get("record")),
			Inst:       strings.TrimSpace(q.Get("inst")),
			Branch:     r.PathValue("branch"),
		}
		if key.Branch == "" || key.Inst == "" {
			http.Error(w, "branch and inst are required", http.StatusBadRequest)
			return
		}

		data, err := readWebhookBody(w, r)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}

		status, err := sync.Webhook(r.Context(), key, realtime.WebhookRequest{
			Method:  r.Method,
			URL:     r.URL.String(),
			Headers: flattenHeaders(r.Header),
			Data:    data,
		})
		if err != nil {
			log.Error("webhook.fail", "branch", key.Branch, "inst", key.Inst, "err", err)
		}

		w.WriteHeader(status)
		_, _ = w.Write([]byte(http.StatusText(status) + "\n"))
	})
}

// readWebhookBody returns the body as JSON: valid JSON passes through and
// anything else is wrapped as a JSON string. An empty body yields nil.
func readWebhookBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	if r.Body == nil {
		return nil, nil
	}
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	if json.Valid(b) {
		return json.RawMessage(b), nil
	}
	return json.Marshal(string(b))
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) == 0 {
			continue
		}
		out[strings.ToLower(k)] = strings.Join(vs, ", ")
	}
	return out
}
