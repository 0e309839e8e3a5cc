package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/BearBump/LicenseFlow/internal/apperr"
	"github.com/BearBump/LicenseFlow/internal/models"
)

const defaultQueueLimit = 100

// newGatewayMux registers the read-only ops endpoints on a gateway mux.
func newGatewayMux(svc apiServices, hc healthpb.HealthClient) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		path string
		h    runtime.HandlerFunc
	}{
		{"/healthz", healthz(hc)},
		{"/v1/applications/{id}/workflow", workflow(svc)},
		{"/v1/print-queue", printQueue(svc)},
		{"/v1/statistics/applications", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			stats, err := svc.lifecycle.Statistics(r.Context())
			respond(w, stats, err)
		}},
		{"/v1/statistics/print-jobs", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			stats, err := svc.queue.Statistics(r.Context())
			respond(w, stats, err)
		}},
		{"/v1/statistics/shipping", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			stats, err := svc.shipping.Statistics(r.Context())
			respond(w, stats, err)
		}},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(http.MethodGet, rt.path, rt.h); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func healthz(hc healthpb.HealthClient) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		resp, err := hc.Check(r.Context(), &healthpb.HealthCheckRequest{})
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		code := http.StatusOK
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]string{"status": resp.GetStatus().String()})
	}
}

func workflow(svc apiServices) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		id, err := strconv.ParseUint(params["id"], 10, 64)
		if err != nil || id == 0 {
			respond(w, nil, apperr.Newf(apperr.KindValidation, "invalid application id %q", params["id"]))
			return
		}
		wf, err := svc.lifecycle.WorkflowStatus(r.Context(), id)
		respond(w, wf, err)
	}
}

func printQueue(svc apiServices) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		q := r.URL.Query()
		var locationID uint64
		if raw := q.Get("location_id"); raw != "" {
			v, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				respond(w, nil, apperr.Newf(apperr.KindValidation, "invalid location_id %q", raw))
				return
			}
			locationID = v
		}
		limit := defaultQueueLimit
		if raw := q.Get("limit"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v <= 0 {
				respond(w, nil, apperr.Newf(apperr.KindValidation, "invalid limit %q", raw))
				return
			}
			limit = v
		}
		jobs, err := svc.queue.Queue(r.Context(), locationID, limit)
		if jobs == nil {
			jobs = []*models.PrintJob{}
		}
		respond(w, jobs, err)
	}
}

func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		kind := apperr.KindOf(err)
		writeJSON(w, statusFor(kind), map[string]string{
			"error":  string(kind),
			"reason": apperr.Reason(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindPermission:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidTransition, apperr.KindState, apperr.KindConflict,
		apperr.KindAlreadyAssigned, apperr.KindRetryExhausted:
		return http.StatusConflict
	case apperr.KindRouting, apperr.KindNoCapacity:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
