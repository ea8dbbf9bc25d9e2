package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/swapflow/executor/pkg/broadcast"
	"github.com/swapflow/executor/pkg/order"
	"github.com/swapflow/executor/pkg/queue"
	"github.com/swapflow/executor/pkg/subscription"
	"github.com/swapflow/executor/pkg/util"
)

const executePath = "/api/orders/execute"

// Jobs is the queue surface the server needs.
type Jobs interface {
	Enqueue(orderID string) (queue.Job, error)
	Failed() []queue.Job
}

// FailedArchive lists exhausted jobs kept in durable storage.
type FailedArchive interface {
	FailedJobs(ctx context.Context, limit int) ([]queue.Job, error)
}

type Config struct {
	Store         order.Store
	Events        broadcast.Publisher
	Jobs          Jobs
	Subscriptions *subscription.Multiplexer

	// Archive is optional; without it failed jobs come from Jobs.Failed.
	Archive FailedArchive
	// Gatherer is optional; /metrics is not served without it.
	Gatherer prometheus.Gatherer
	// Origins allowed by CORS. Empty allows any origin.
	Origins []string

	Clock  util.Clock
	Logger *zap.SugaredLogger
}

// Server handles the REST API and the order update WebSocket.
type Server struct {
	cfg      Config
	router   *mux.Router
	validate *validator.Validate
	log      *zap.SugaredLogger
}

func NewServer(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	v := validator.New()
	// decimal amounts compare exactly; a float conversion underflows tiny values to zero
	_ = v.RegisterValidation("positive", func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(decimal.Decimal)
		return ok && d.IsPositive()
	})

	s := &Server{
		cfg:      cfg,
		router:   mux.NewRouter(),
		validate: v,
		log:      cfg.Logger.With("component", "api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Order execution: POST submits, GET upgrades to the update stream
	api.HandleFunc("/orders/execute", s.handleExecuteOrder).Methods("POST")
	api.HandleFunc("/orders/execute", s.handleWebSocket).Methods("GET")

	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/jobs/failed", s.handleFailedJobs).Methods("GET")

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.cfg.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
}

// Handler returns the CORS-wrapped router.
func (s *Server) Handler() http.Handler {
	origins := s.cfg.Origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleExecuteOrder(w http.ResponseWriter, r *http.Request) {
	var req ExecuteOrderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid payload", err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondValidationError(w, err)
		return
	}

	ctx := r.Context()
	o := order.New(uuid.NewString(), req.InputToken, req.OutputToken, req.Amount, s.cfg.Clock.Now())
	if err := s.cfg.Store.Create(ctx, o); err != nil {
		s.log.Errorw("order_create_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "failed to create order", err.Error())
		return
	}

	if err := s.cfg.Events.Publish(ctx, broadcast.EventFromEntry(o.ID, o.Logs[0], o.Seq())); err != nil {
		s.log.Warnw("order_publish_failed", "order_id", o.ID, "err", err)
	}

	job, err := s.cfg.Jobs.Enqueue(o.ID)
	if err != nil {
		s.rejectOrder(ctx, o.ID, err)
		respondError(w, http.StatusServiceUnavailable, "queue unavailable", err.Error())
		return
	}
	s.log.Infow("order_accepted",
		"order_id", o.ID,
		"job_id", job.ID,
		"input", o.InputToken,
		"output", o.OutputToken,
		"amount", o.Amount.String())

	respondJSON(w, http.StatusOK, ExecuteOrderResponse{
		OrderID:   o.ID,
		Status:    o.Status,
		WebSocket: executePath + "?orderId=" + o.ID,
		Message:   "Connect via WebSocket on this endpoint to stream updates.",
	})
}

// rejectOrder fails an order that never reached the queue.
func (s *Server) rejectOrder(ctx context.Context, id string, cause error) {
	var (
		entry order.LogEntry
		seq   int
	)
	_, err := s.cfg.Store.Update(ctx, id, func(o *order.Order) error {
		var err error
		entry, seq, err = o.Transition(order.StatusFailed, "Queue unavailable: "+cause.Error(), s.cfg.Clock.Now())
		return err
	})
	if err != nil {
		s.log.Errorw("order_reject_failed", "order_id", id, "err", err)
		return
	}
	if err := s.cfg.Events.Publish(ctx, broadcast.EventFromEntry(id, entry, seq)); err != nil {
		s.log.Warnw("order_publish_failed", "order_id", id, "err", err)
	}
	s.log.Warnw("order_rejected", "order_id", id, "err", cause)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	o, err := s.cfg.Store.FindByID(r.Context(), id)
	if errors.Is(err, order.ErrNotFound) {
		respondError(w, http.StatusNotFound, "order not found", "")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load order", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.cfg.Store.List(r.Context(), queryLimit(r, 50))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list orders", err.Error())
		return
	}
	if orders == nil {
		orders = []*order.Order{}
	}
	respondJSON(w, http.StatusOK, orders)
}

func (s *Server) handleFailedJobs(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100)

	var jobs []queue.Job
	if s.cfg.Archive != nil {
		var err error
		if jobs, err = s.cfg.Archive.FailedJobs(r.Context(), limit); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to list jobs", err.Error())
			return
		}
	} else {
		jobs = s.cfg.Jobs.Failed()
		if len(jobs) > limit {
			jobs = jobs[len(jobs)-limit:]
		}
	}
	if jobs == nil {
		jobs = []queue.Job{}
	}
	respondJSON(w, http.StatusOK, FailedJobsResponse{Jobs: jobs, Count: len(jobs)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func queryLimit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{Error: error, Message: message})
}

func respondValidationError(w http.ResponseWriter, err error) {
	details := make(map[string]string)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, e := range verrs {
			details[e.Field()] = "failed on tag '" + e.Tag() + "'"
		}
	}
	respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid payload", Details: details})
}
