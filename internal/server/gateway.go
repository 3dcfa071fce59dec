package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"LotLedger/internal/core"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/codes"
)

const maxBodyBytes = 1 << 20

// route maps a GET path onto an API method. Path and query parameters become
// the fields of the JSON request.
type route struct {
	pattern string
	method  string
}

var getRoutes = []route{
	{"/v1/status", "GetStatus"},
	{"/v1/admin", "GetAdmin"},
	{"/v1/integrity", "VerifyIntegrity"},
	{"/v1/event-log", "GetEventLogInfo"},
	{"/v1/lots", "ListLots"},
	{"/v1/search/lots", "SearchLots"},
	{"/v1/lots/{lot_id}", "GetLot"},
	{"/v1/lots/{lot_id}/exists", "LotExists"},
	{"/v1/lots/{lot_id}/escrow", "GetLotEscrow"},
	{"/v1/lots/{lot_id}/events", "ListLotEvents"},
	{"/v1/lots/{lot_id}/choices/{instrument}", "IsAllowedChoice"},
	{"/v1/lots/{lot_id}/participants/{address}", "GetParticipant"},
	{"/v1/fees/{asset}", "GetAccruedFees"},
	{"/v1/system/{asset}", "GetSystemBalances"},
	{"/v1/accounts/{address}/balances/{asset}", "GetBalance"},
	{"/v1/accounts/{address}/journals", "ListJournals"},
	{"/v1/accounts/{address}/participations", "ListParticipations"},
}

// Fields decoded as numbers or booleans rather than strings.
var (
	numericParams = map[string]bool{"lot_id": true, "from": true, "limit": true, "after_id": true, "before_sequence": true}
	boolParams    = map[string]bool{"resolved": true}
)

// Handler builds the HTTP/JSON surface: POST /v1/rpc/{method} for every API
// method, GET convenience routes for queries, health probes and metrics.
func (s *Server) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	if err := mux.HandlePath(http.MethodPost, "/v1/rpc/{method}", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.writeError(w, fmt.Errorf("%w: read body: %v", errBadRequest, err))
			return
		}
		s.serve(w, r, params["method"], body)
	}); err != nil {
		return nil, fmt.Errorf("register rpc route: %w", err)
	}

	for _, rt := range getRoutes {
		method := rt.method
		if err := mux.HandlePath(http.MethodGet, rt.pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			body, err := requestFromParams(r, params)
			if err != nil {
				s.writeError(w, err)
				return
			}
			s.serve(w, r, method, body)
		}); err != nil {
			return nil, fmt.Errorf("register %s: %w", rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.health != nil {
		httpMux.HandleFunc("/healthz", s.health.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.health.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	if s.gatherer != nil {
		httpMux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// StartHTTPGateway serves the HTTP surface until ctx is cancelled.
func (s *Server) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("HTTP gateway shutdown")
		}
	}()

	s.log.Info().Str("addr", s.cfg.HTTPAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, method string, body []byte) {
	if !s.allow("http") {
		writeJSON(w, http.StatusTooManyRequests, ErrorBody{Error: codes.ResourceExhausted.String(), Message: "rate limit exceeded"})
		return
	}
	start := time.Now()
	ctx := withCall(r.Context(), callFromHeaders(r.Header))
	out, err := s.api.Invoke(ctx, method, body)
	if err != nil {
		s.observe("http", method, codeOf(err).String(), start)
		s.writeError(w, err)
		return
	}
	s.observe("http", method, codes.OK.String(), start)
	if out == nil {
		out = struct{}{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code, body := errorBody(err)
	if code >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func callFromHeaders(h http.Header) core.Call {
	var c core.Call
	if v := h.Get(CallerHeader); common.IsHexAddress(v) {
		c.Caller = common.HexToAddress(v)
	}
	c.RequestID = h.Get(RequestIDHeader)
	return c
}

// requestFromParams folds path and query parameters into a JSON object.
func requestFromParams(r *http.Request, params map[string]string) ([]byte, error) {
	fields := make(map[string]any, len(params))
	set := func(k, v string) error {
		switch {
		case numericParams[k]:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: %s must be an integer", errBadRequest, k)
			}
			fields[k] = n
		case boolParams[k]:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%w: %s must be a boolean", errBadRequest, k)
			}
			fields[k] = b
		default:
			fields[k] = v
		}
		return nil
	}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			if err := set(k, vs[0]); err != nil {
				return nil, err
			}
		}
	}
	for k, v := range params {
		if err := set(k, v); err != nil {
			return nil, err
		}
	}
	return json.Marshal(fields)
}
