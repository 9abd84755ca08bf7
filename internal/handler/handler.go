// Package handler saga HTTP API
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/exchange/saga/internal/client"
	"github.com/exchange/saga/internal/service"
	commonerrors "github.com/exchange/saga/pkg/errors"
	"github.com/exchange/saga/pkg/logger"
	"github.com/exchange/saga/pkg/response"
	"github.com/exchange/saga/pkg/saga"
	"github.com/exchange/saga/pkg/tracing"
)

const (
	maxBodyBytes        = 1 << 20
	defaultDriveTimeout = 30 * time.Second
)

// Handler saga API
type Handler struct {
	svc          *service.SagaService
	log          *logger.Logger
	driveTimeout time.Duration
}

func New(svc *service.SagaService, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{svc: svc, log: log, driveTimeout: defaultDriveTimeout}
}

// WithDriveTimeout 设置 start/resume/compensate 的服务端超时
func (h *Handler) WithDriveTimeout(d time.Duration) *Handler {
	if d > 0 {
		h.driveTimeout = d
	}
	return h
}

// driveContext 与客户端连接解绑：客户端断开不会中断正在执行的步骤
func (h *Handler) driveContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), h.driveTimeout)
}

// Register 注册路由
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sagas", h.start)
	mux.HandleFunc("GET /v1/sagas", h.list)
	mux.HandleFunc("GET /v1/sagas/{id}", h.get)
	mux.HandleFunc("DELETE /v1/sagas/{id}", h.delete)
	mux.HandleFunc("POST /v1/sagas/{id}/resume", h.resume)
	mux.HandleFunc("POST /v1/sagas/{id}/compensate", h.compensate)
}

// Wrap 请求 ID、panic 恢复、追踪中间件
func Wrap(next http.Handler, log *logger.Logger) http.Handler {
	return response.RequestIDMiddleware(response.RecoveryMiddleware(log)(tracing.HTTPMiddleware(next)))
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	var req client.StartSagaRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidRequest, "invalid json body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "name is required")
		return
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = response.RequestIDFromContext(r.Context())
	}
	ctx, cancel := h.driveContext(r)
	defer cancel()
	out, err := h.svc.Start(ctx, &service.StartRequest{
		Name:          req.Name,
		Payload:       req.Payload,
		CorrelationID: correlationID,
		TenantID:      req.TenantID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, outcomeResponse(out))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	state, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, toView(state))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	status := saga.Status(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	if !status.Valid() {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "status must be one of PENDING, RUNNING, SUSPENDED, COMPLETED, COMPENSATING, COMPENSATED, FAILED")
		return
	}
	states, err := h.svc.List(r.Context(), status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	views := make([]client.SagaView, 0, len(states))
	for _, st := range states {
		views = append(views, toView(st))
	}
	response.WriteJSON(w, http.StatusOK, client.ListResponse{Sagas: views})
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.driveContext(r)
	defer cancel()
	out, err := h.svc.Resume(ctx, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, outcomeResponse(out))
}

func (h *Handler) compensate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.driveContext(r)
	defer cancel()
	out, err := h.svc.Compensate(ctx, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, outcomeResponse(out))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := toAPIError(err)
	if apiErr.Code == commonerrors.CodeInternal || apiErr.Code == commonerrors.CodePersistenceFailure {
		h.log.WithContext(r.Context()).WithError(err).Errorf("saga api error", map[string]interface{}{
			"method":    r.Method,
			"path":      r.URL.Path,
			"requestID": response.RequestIDFromContext(r.Context()),
		})
	}
	response.WriteError(w, r, apiErr)
}

func toAPIError(err error) *commonerrors.Error {
	var persistErr *saga.PersistenceError
	switch {
	case errors.Is(err, saga.ErrNotFound):
		return commonerrors.New(commonerrors.CodeSagaNotFound, "saga not found")
	case errors.Is(err, service.ErrUnknownSaga):
		return commonerrors.New(commonerrors.CodeUnknownSaga, err.Error())
	case errors.Is(err, saga.ErrInvalidPayload):
		return commonerrors.New(commonerrors.CodeInvalidParam, err.Error())
	case errors.Is(err, service.ErrBusy):
		return commonerrors.New(commonerrors.CodeSagaBusy, "saga is being driven by another worker")
	case errors.Is(err, service.ErrNotTerminal):
		return commonerrors.New(commonerrors.CodeConflict, "only terminal sagas can be deleted")
	case errors.Is(err, saga.ErrConflict):
		return commonerrors.New(commonerrors.CodeSagaConflict, "saga was modified concurrently")
	case errors.Is(err, saga.ErrStepMismatch):
		return commonerrors.New(commonerrors.CodeStepMismatch, err.Error())
	case errors.As(err, &persistErr):
		return commonerrors.New(commonerrors.CodePersistenceFailure, "saga store unavailable")
	default:
		return commonerrors.New(commonerrors.CodeInternal, "internal server error")
	}
}

func outcomeResponse(out *saga.Outcome) *client.OutcomeResponse {
	return &client.OutcomeResponse{
		Outcome:           *out,
		NeedsIntervention: out.Status == saga.StatusFailed,
	}
}

func toView(st *saga.State) client.SagaView {
	v := client.SagaView{
		ID:            st.ID,
		Name:          st.Name,
		Status:        st.Status,
		CurrentStep:   st.CurrentStep,
		Steps:         st.Steps,
		LastError:     st.LastError,
		RetryCount:    st.RetryCount,
		NextRetryAt:   st.NextRetryAt,
		CorrelationID: st.CorrelationID,
		TenantID:      st.TenantID,
		Version:       st.Version,
		CreatedAt:     st.CreatedAt,
		UpdatedAt:     st.UpdatedAt,
		CompletedAt:   st.CompletedAt,
	}
	if json.Valid(st.Payload) {
		v.Payload = st.Payload
	}
	return v
}
