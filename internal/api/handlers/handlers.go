package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dvloznov/transactions-api/internal/api/middleware"
	"github.com/dvloznov/transactions-api/internal/domain"
	"github.com/dvloznov/transactions-api/internal/jobs"
	"github.com/dvloznov/transactions-api/internal/logger"
	"github.com/dvloznov/transactions-api/internal/transactions"
	"github.com/rs/zerolog"
)

// maxBodyBytes caps the size of a submission body.
const maxBodyBytes = 1 << 20

// TransactionCreator accepts transaction submissions.
type TransactionCreator interface {
	CreateTransaction(ctx context.Context, req domain.TransactionRequest) (string, error)
}

// StatusReader looks up the lifecycle status of a submission.
type StatusReader interface {
	GetStatus(ctx context.Context, traceID string) (jobs.Status, error)
}

// TransactionsHandler handles transaction-related endpoints.
type TransactionsHandler struct {
	creator  TransactionCreator
	statuses StatusReader
	log      zerolog.Logger
}

// NewTransactionsHandler creates a new transactions handler.
func NewTransactionsHandler(creator TransactionCreator, statuses StatusReader, log zerolog.Logger) *TransactionsHandler {
	return &TransactionsHandler{
		creator:  creator,
		statuses: statuses,
		log:      log,
	}
}

// StatusResponse is the body of GET /api/transactions/{traceId}/status.
type StatusResponse struct {
	TraceID string      `json:"traceId"`
	Status  jobs.Status `json:"status"`
}

// CreateTransaction handles POST /api/transactions
func (h *TransactionsHandler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var req domain.TransactionRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	traceID, err := h.creator.CreateTransaction(r.Context(), req)
	if err != nil {
		h.writeCreateError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusAccepted, domain.TransactionAccepted{TraceID: traceID})
}

func (h *TransactionsHandler) writeCreateError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *transactions.ValidationError
		statusErr     *transactions.StatusStoreError
		publishErr    *transactions.PublishError
	)

	log := logger.FromContext(r.Context(), h.log)

	switch {
	case errors.As(err, &validationErr):
		middleware.WriteText(w, http.StatusBadRequest, validationErr.Error())
	case errors.As(err, &statusErr):
		log.Error().Err(err).Str("trace_id", statusErr.TraceID).Msg("Failed to record transaction status")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to accept transaction")
	case errors.As(err, &publishErr):
		log.Error().Err(err).Str("trace_id", publishErr.TraceID).Msg("Failed to publish transaction")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Transaction could not be queued, try again later")
	default:
		log.Error().Err(err).Msg("Failed to create transaction")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to accept transaction")
	}
}

// GetStatus handles GET /api/transactions/{traceId}/status
func (h *TransactionsHandler) GetStatus(w http.ResponseWriter, r *http.Request, traceID string) {
	status, err := h.statuses.GetStatus(r.Context(), traceID)
	if errors.Is(err, jobs.ErrStatusNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "Transaction not found")
		return
	}
	if err != nil {
		logger.FromContext(r.Context(), h.log).Error().Err(err).Str("trace_id", traceID).Msg("Failed to get transaction status")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get transaction status")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, StatusResponse{TraceID: traceID, Status: status})
}

// BrokerState reports the command broker's connection and circuit breaker state.
type BrokerState interface {
	Connection() string
	State() string
}

// Health returns the GET /health handler. When broker is non-nil its state is
// included, and a disconnected broker or open circuit answers 503.
func Health(broker BrokerState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		}
		code := http.StatusOK

		if broker != nil {
			connection, circuit := broker.Connection(), broker.State()
			body["broker"] = map[string]string{
				"connection": connection,
				"circuit":    circuit,
			}
			if connection != "connected" || circuit == "open" {
				body["status"] = "degraded"
				code = http.StatusServiceUnavailable
			}
		}

		middleware.WriteJSON(w, code, body)
	}
}

// NewRouter registers the API routes on a new ServeMux. broker may be nil.
func NewRouter(h *TransactionsHandler, broker BrokerState) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/transactions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			h.CreateTransaction(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/transactions/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		// Extract trace ID from /api/transactions/{traceId}/status
		rest := strings.TrimPrefix(r.URL.Path, "/api/transactions/")
		traceID, ok := strings.CutSuffix(rest, "/status")
		if !ok || traceID == "" || strings.Contains(traceID, "/") {
			middleware.WriteError(w, http.StatusNotFound, "Not found")
			return
		}
		h.GetStatus(w, r, traceID)
	})

	mux.HandleFunc("/health", Health(broker))

	return mux
}
